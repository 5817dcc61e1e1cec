// Package challenge defines the pluggable ChallengeSolver abstraction
// (spec.md section 4.4) and a registry mapping challenge-type tags to
// solver implementations. Concrete solvers live in the http01, dns01 and
// tlsalpn01 subpackages.
package challenge

import (
	"context"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol/resources"
)

// Solver implements the prepare/present/verify/cleanup lifecycle for one
// ACME challenge type (spec.md section 4.4). Cleanup MUST be idempotent:
// calling it a second time for the same challenge is a no-op (spec.md
// section 8 round-trip law).
type Solver interface {
	// Type returns the ACME challenge type this solver handles, e.g.
	// resources.ChallengeHTTP01.
	Type() string

	// Prepare readies the solver to answer chall for identifier, deriving
	// whatever local state it needs from keyAuthorization (spec.md section
	// 3: "token + '.' + base64url(jwk_thumbprint)").
	Prepare(ctx context.Context, identifier resources.Identifier, chall resources.Challenge, keyAuthorization string) error

	// Present makes the proof visible to the outside world (serves the
	// HTTP-01 response, publishes the DNS-01 TXT record, starts the
	// TLS-ALPN-01 listener). Called after Prepare and before the challenge
	// is POSTed to the CA.
	Present(ctx context.Context) error

	// Verify gives the solver an opportunity to self-check that the proof
	// is externally visible before telling the CA to validate (e.g.
	// DNS-01's propagation wait). It is not an authoritative check — the
	// CA's own validation is authoritative — but a pre-flight the core
	// issuance flow invokes before POSTing to the challenge URL.
	Verify(ctx context.Context) error

	// Cleanup releases any resources acquired by Prepare/Present. Must run
	// on every path out of the issuance flow and must be idempotent.
	Cleanup(ctx context.Context) error
}

// Registry maps ACME challenge-type tags to Solver implementations. Map
// iteration order is never relied upon — selection is driven by the order
// the CA offers challenges in an Authorization, not by registry insertion
// order (spec.md section 4.3 and section 9).
type Registry struct {
	solvers map[string]Solver
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{solvers: make(map[string]Solver)}
}

// Register adds or replaces the solver for its own Type().
func (r *Registry) Register(s Solver) {
	r.solvers[s.Type()] = s
}

// Lookup returns the solver registered for typ, if any.
func (r *Registry) Lookup(typ string) (Solver, bool) {
	s, ok := r.solvers[typ]
	return s, ok
}

// SelectChallenge picks the first challenge (in the CA-supplied array
// order) whose type has a registered solver. A wildcard identifier must
// use DNS-01 (spec.md section 4.3): if wildcard is true, only a dns-01
// challenge is ever eligible, regardless of what else has a solver
// registered.
func (r *Registry) SelectChallenge(challs []resources.Challenge, wildcard bool) (resources.Challenge, Solver, error) {
	for _, c := range challs {
		if wildcard && c.Type != resources.ChallengeDNS01 {
			continue
		}
		if s, ok := r.solvers[c.Type]; ok {
			return c, s, nil
		}
	}
	if wildcard {
		return resources.Challenge{}, nil, acmeerr.New(acmeerr.KindChallenge, "wildcard identifier requires a dns-01 solver, none registered")
	}
	return resources.Challenge{}, nil, acmeerr.New(acmeerr.KindChallenge, "no registered solver matches any offered challenge type")
}
