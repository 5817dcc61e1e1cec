// Package acmeerr provides the typed error taxonomy shared across the ACME
// client, challenge solvers, storage backends and the renewal scheduler.
//
// Every package in this module returns one of these errors (wrapped with
// fmt.Errorf's %w where a lower layer already produced one) rather than
// a bare error string, so that callers can branch on Kind instead of
// string-matching messages.
package acmeerr

import (
	"errors"
	"fmt"
)

// Kind classifies the failure so that callers (in particular the
// orchestrator and the scheduler) can decide whether to retry.
type Kind int

const (
	// KindUnknown is the zero value and should never be returned deliberately.
	KindUnknown Kind = iota
	KindProtocol
	KindAccount
	KindOrder
	KindChallenge
	KindCertificate
	KindCrypto
	KindStorage
	KindTransport
	KindInvalidInput
	KindTimeout
	KindNotFound
	KindConfiguration
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "Protocol"
	case KindAccount:
		return "Account"
	case KindOrder:
		return "Order"
	case KindChallenge:
		return "Challenge"
	case KindCertificate:
		return "Certificate"
	case KindCrypto:
		return "Crypto"
	case KindStorage:
		return "Storage"
	case KindTransport:
		return "Transport"
	case KindInvalidInput:
		return "InvalidInput"
	case KindTimeout:
		return "Timeout"
	case KindNotFound:
		return "NotFound"
	case KindConfiguration:
		return "Configuration"
	case KindRateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}

// ProblemDetail mirrors an RFC 7807 problem document as returned by an ACME
// server's error responses (RFC 8555 section 6.7).
type ProblemDetail struct {
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Status      int    `json:"status,omitempty"`
	Instance    string `json:"instance,omitempty"`
	RetryAfter  string `json:"-"`
	SubProblems []ProblemDetail `json:"subproblems,omitempty"`
}

// Error is the typed error returned from every package in this module.
type Error struct {
	Kind Kind
	// Msg is a human readable description of the failure.
	Msg string
	// Problem is set when the failure originated from an ACME server's
	// RFC 7807 problem document.
	Problem *ProblemDetail
	// OrderStatus carries the order's terminal status for KindOrder errors.
	OrderStatus string
	// ChallengeType carries the challenge type for KindChallenge errors.
	ChallengeType string
	// RetryAfter carries the server-advised retry delay for KindRateLimited.
	RetryAfterSeconds int
	// Err is the underlying wrapped error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Problem != nil && e.Problem.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Problem.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, acmeerr.KindX) style comparisons against a
// sentinel created with New(kind, "") and no wrapped error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithProblem attaches an RFC 7807 problem document to an error of kind.
func WithProblem(kind Kind, msg string, problem *ProblemDetail) *Error {
	return &Error{Kind: kind, Msg: msg, Problem: problem}
}

// OfKind returns true if err (or anything it wraps) is an *Error of the
// given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsFatal reports whether err represents a failure that must not be
// retried: invalid input, configuration errors, and terminal order state.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindInvalidInput, KindConfiguration:
		return true
	case KindOrder:
		return e.OrderStatus == "invalid"
	case KindAccount:
		return e.Problem != nil && e.Problem.Type == "urn:ietf:params:acme:error:accountDoesNotExist"
	}
	return false
}
