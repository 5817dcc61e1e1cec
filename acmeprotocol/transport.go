package acmeprotocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cpu/acmecore/acmeerr"
)

const (
	userAgentBase = "acmecore"
	userAgentVer  = "1.0"

	defaultRequestTimeout = 30 * time.Second
	defaultRetryInitial   = 100 * time.Millisecond
	defaultRetryMax       = 30 * time.Second
	defaultMaxAttempts    = 3

	defaultRateLimitTokens  = 10
	defaultRateLimitPerSec  = 10
	defaultConcurrencyLimit = 20
)

// TransportOptions configures the HTTP Transport wrapper (spec.md section
// 2, "HTTP Transport" row; section 5 rate limiting and retry policy).
type TransportOptions struct {
	// CACertPool, if non-nil, is used instead of the system roots. Grounded
	// on cpu-acmeshell's net.Config.CABundlePath, generalized to accept an
	// already-parsed pool so callers aren't forced through the filesystem.
	CACertPool *x509.CertPool
	// RequestTimeout bounds every individual outbound HTTP call. Defaults to
	// 30s per spec.md section 5.
	RequestTimeout time.Duration
	// RetryInitial/RetryMax/MaxAttempts configure the exponential back-off
	// retry policy (spec.md section 5): default 100ms initial, doubling,
	// capped at 30s, max 3 attempts; retries on 5xx and 429/badNonce.
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxAttempts  int
	// RateLimitTokens/RateLimitPerSecond configure the token bucket limiter
	// (default 10 tokens, refill 10/s).
	RateLimitTokens     int
	RateLimitPerSecond  float64
	// ConcurrencyLimit caps in-flight requests to the ACME host.
	ConcurrencyLimit int
	// Middleware is an ordered chain of http.RoundTripper decorators applied
	// around the base transport (logging, metrics, tracing hooks are
	// expected to be supplied by callers; OpenTelemetry wiring itself is out
	// of scope per spec.md section 1).
	Middleware []func(http.RoundTripper) http.RoundTripper
	// Logf receives diagnostic lines. Defaults to log.Printf, matching the
	// teacher's stdlib-log convention.
	Logf func(string, ...interface{})
}

func (o *TransportOptions) setDefaults() {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.RetryInitial == 0 {
		o.RetryInitial = defaultRetryInitial
	}
	if o.RetryMax == 0 {
		o.RetryMax = defaultRetryMax
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RateLimitTokens == 0 {
		o.RateLimitTokens = defaultRateLimitTokens
	}
	if o.RateLimitPerSecond == 0 {
		o.RateLimitPerSecond = defaultRateLimitPerSec
	}
	if o.ConcurrencyLimit == 0 {
		o.ConcurrencyLimit = defaultConcurrencyLimit
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
}

// tokenBucket is a minimal token-bucket rate limiter: acquire(1) blocks the
// caller (never fails) until a token is available. Grounded on spec.md
// section 5's explicit "callers wait, not fail" contract; implemented
// directly rather than via golang.org/x/time/rate because no repo in the
// retrieval pack imports that package, and the queueing semantics needed
// here (block-until-available, no burst shaping beyond the bucket size)
// are a handful of lines simpler to own than to wrap.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	perSecond  float64
	lastRefill time.Time
}

func newTokenBucket(max int, perSecond float64) *tokenBucket {
	return &tokenBucket{tokens: float64(max), max: float64(max), perSecond: perSecond, lastRefill: time.Now()}
}

func (b *tokenBucket) acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens = minF(b.max, b.tokens+elapsed*b.perSecond)
		b.lastRefill = now
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.perSecond * float64(time.Second))
		b.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Transport wraps an http.Client with a retry policy, a token-bucket rate
// limiter, a concurrency semaphore, and an ordered middleware chain. This
// generalizes cpu-acmeshell's net.ACMENet, which only added a User-Agent
// header and a CA bundle; the rest (retry/rate-limit/middleware) is new
// per spec.md sections 2 and 5.
type Transport struct {
	client  *http.Client
	opts    TransportOptions
	limiter *tokenBucket
	sem     chan struct{}
}

// NewTransport builds a Transport. A nil opts uses all defaults.
func NewTransport(opts *TransportOptions) (*Transport, error) {
	if opts == nil {
		opts = &TransportOptions{}
	}
	o := *opts
	o.setDefaults()

	var base http.RoundTripper = &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: o.CACertPool},
	}
	// apply middleware innermost-first so the first entry in the slice is
	// the outermost decorator (first to see the request).
	for i := len(o.Middleware) - 1; i >= 0; i-- {
		base = o.Middleware[i](base)
	}

	return &Transport{
		client:  &http.Client{Transport: base, Timeout: o.RequestTimeout},
		opts:    o,
		limiter: newTokenBucket(o.RateLimitTokens, o.RateLimitPerSecond),
		sem:     make(chan struct{}, o.ConcurrencyLimit),
	}, nil
}

// Response is the result of a transport round-trip, carrying the parsed
// problem document when the server returned one (content-type
// application/problem+json).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) ReplayNonce() string {
	return r.Header.Get("Replay-Nonce")
}

// Do executes req, applying the User-Agent header, rate limiting,
// concurrency limiting, and the retry policy (spec.md section 5: retry on
// 5xx, and on 429/badNonce; exponential back-off 100ms*2^n capped at 30s;
// max 3 attempts; honors Retry-After on 429).
func (t *Transport) Do(ctx context.Context, req *http.Request) (*Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, acmeerr.Wrap(acmeerr.KindTransport, "read request body", err)
		}
		req.Body.Close()
	}

	backoff := t.opts.RetryInitial
	var lastErr error
	for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
		if err := t.limiter.acquire(ctx); err != nil {
			return nil, acmeerr.Wrap(acmeerr.KindTimeout, "rate limiter wait cancelled", err)
		}

		select {
		case t.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, acmeerr.Wrap(acmeerr.KindTimeout, "concurrency limiter wait cancelled", ctx.Err())
		}

		reqCopy := req.Clone(ctx)
		if bodyBytes != nil {
			reqCopy.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			reqCopy.ContentLength = int64(len(bodyBytes))
		}
		reqCopy.Header.Set("User-Agent", fmt.Sprintf("%s/%s (%s; %s)", userAgentBase, userAgentVer, runtime.GOOS, runtime.GOARCH))

		resp, err := t.client.Do(reqCopy)
		<-t.sem
		if err != nil {
			lastErr = err
			t.opts.Logf("acmeprotocol: transport attempt %d failed: %v", attempt, err)
			if !t.sleepBackoff(ctx, &backoff) {
				return nil, acmeerr.Wrap(acmeerr.KindTransport, "request failed", err)
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		result := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if attempt == t.opts.MaxAttempts {
				return result, nil
			}
			if !t.sleepFor(ctx, retryAfter) {
				return result, acmeerr.Wrap(acmeerr.KindTimeout, "rate limited retry cancelled", ctx.Err())
			}
			continue
		}

		if resp.StatusCode >= 500 {
			// Open question in spec.md section 9: retry-on-ambiguous-5xx is
			// resolved as "retry all 5xx", flagged for operator review.
			if attempt == t.opts.MaxAttempts {
				return result, nil
			}
			if !t.sleepBackoff(ctx, &backoff) {
				return result, nil
			}
			continue
		}

		return result, nil
	}
	return nil, acmeerr.Wrap(acmeerr.KindTransport, "exhausted retry attempts", lastErr)
}

func (t *Transport) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	ok := t.sleepFor(ctx, *backoff)
	next := time.Duration(float64(*backoff) * 2)
	if next > t.opts.RetryMax {
		next = t.opts.RetryMax
	}
	// jitter avoids synchronized retries from many workers (scheduler
	// section 4.7 runs many concurrent renewals that could otherwise
	// retry in lockstep).
	jitter := time.Duration(rand.Int63n(int64(next/10 + 1)))
	*backoff = next + jitter
	return ok
}

func (t *Transport) sleepFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(h); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return time.Second
}

// GetURL issues a GET request.
func (t *Transport) GetURL(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindTransport, "build GET request", err)
	}
	return t.Do(ctx, req)
}

// HeadURL issues a HEAD request (used for newNonce per RFC 8555 section 7.2).
func (t *Transport) HeadURL(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindTransport, "build HEAD request", err)
	}
	return t.Do(ctx, req)
}

// PostURL issues a POST request with application/jose+json content type, as
// RFC 8555 requires for every JWS-signed ACME request.
func (t *Transport) PostURL(ctx context.Context, url string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindTransport, "build POST request", err)
	}
	req.Header.Set("Content-Type", "application/jose+json")
	return t.Do(ctx, req)
}

// ProblemFromResponse parses an RFC 7807 problem document from a non-2xx
// ACME response body, if present.
func ProblemFromResponse(resp *Response) *acmeerr.ProblemDetail {
	if resp == nil || resp.StatusCode < 300 {
		return nil
	}
	var p acmeerr.ProblemDetail
	if err := json.Unmarshal(resp.Body, &p); err != nil {
		return &acmeerr.ProblemDetail{Status: resp.StatusCode, Detail: string(resp.Body)}
	}
	p.Status = resp.StatusCode
	p.RetryAfter = resp.Header.Get("Retry-After")
	return &p
}

// IsBadNonce reports whether problem is the ACME badNonce error, which the
// ACME layer must catch, clear its nonce cache, and transparently retry
// once (spec.md section 4.2/7).
func IsBadNonce(problem *acmeerr.ProblemDetail) bool {
	return problem != nil && problem.Type == "urn:ietf:params:acme:error:badNonce"
}
