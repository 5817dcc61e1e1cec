// Package http01 implements the HTTP-01 ChallengeSolver (RFC 8555 section
// 8.3): serve the key authorization at
// http://<domain>/.well-known/acme-challenge/<token> on port 80.
package http01

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol/resources"
)

const wellKnownPrefix = "/.well-known/acme-challenge/"

// Solver serves HTTP-01 key authorizations. A single Solver instance can be
// reused across many challenges; each Prepare call registers one more route
// on the shared mux, and Cleanup removes only the route it added.
//
// Grounded on cpu-acmeshell's shell/commands/challSrv wrapper around
// letsencrypt/challtestsrv's embedded HTTP-01 server: this reimplements the
// same add/remove-by-token contract directly on net/http rather than
// depending on the test server package (which stays a test-only dependency,
// per spec.md section 4.4's requirement that solvers be usable outside
// tests).
type Solver struct {
	addr string

	mu       sync.Mutex
	mux      *http.ServeMux
	handlers map[string]http.HandlerFunc
	order    []string // insertion order, so Cleanup removes one challenge at a time
	server   *http.Server
	listener net.Listener
}

// NewSolver builds an HTTP-01 Solver listening on addr (e.g. ":80"). An
// empty addr defaults to ":80" per RFC 8555 section 8.3.
func NewSolver(addr string) *Solver {
	if addr == "" {
		addr = ":80"
	}
	return &Solver{addr: addr, handlers: make(map[string]http.HandlerFunc)}
}

func (s *Solver) Type() string { return resources.ChallengeHTTP01 }

// Prepare registers the response handler for chall.Token and starts the
// listener if this is the first challenge being served.
func (s *Solver) Prepare(_ context.Context, _ resources.Identifier, chall resources.Challenge, keyAuthorization string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := wellKnownPrefix + chall.Token
	s.handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte(keyAuthorization))
	}
	s.order = append(s.order, path)

	if s.server == nil {
		ln, err := net.Listen("tcp", s.addr)
		if err != nil {
			return acmeerr.Wrap(acmeerr.KindChallenge, fmt.Sprintf("listen on %s for http-01", s.addr), err)
		}
		s.listener = ln
		s.mux = http.NewServeMux()
		s.mux.HandleFunc(wellKnownPrefix, s.dispatch)
		s.server = &http.Server{Handler: s.mux}
		go s.server.Serve(ln) //nolint:errcheck
	}
	return nil
}

func (s *Solver) dispatch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	handler, ok := s.handlers[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	handler(w, r)
}

// Addr returns the address the listener is bound to, once Prepare has
// started it. Useful for tests that bind an ephemeral port (addr ":0") and
// need to dial the solver directly rather than through real DNS.
func (s *Solver) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Present is a no-op: the listener started in Prepare is already serving.
func (s *Solver) Present(_ context.Context) error { return nil }

// Verify is a no-op for HTTP-01: there is no useful local propagation check
// to perform (the server is either reachable from the CA's validation
// servers or it isn't; spec.md section 4.4 leaves this to the CA).
func (s *Solver) Verify(_ context.Context) error { return nil }

// Cleanup removes the oldest not-yet-removed challenge route (this Solver
// instance is shared across every concurrently in-flight authorization of
// its type, so Cleanup retires one route per call rather than wiping
// everything — safe to call once per matching Prepare, any number of times,
// in any order). Once no routes remain, the listener is shut down.
// Idempotent: calling Cleanup with nothing left to remove is a no-op.
func (s *Solver) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	if len(s.order) > 0 {
		path := s.order[0]
		s.order = s.order[1:]
		delete(s.handlers, path)
	}
	server := s.server
	empty := len(s.handlers) == 0
	if empty {
		s.server = nil
		s.listener = nil
	}
	s.mu.Unlock()

	if empty && server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// Shutdown unconditionally stops the listener, regardless of how many
// challenges are still registered. Distinct from Cleanup's per-challenge
// lazy teardown: callers (tests in particular) use this for explicit,
// final teardown rather than waiting for every Cleanup call to drain.
func (s *Solver) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.handlers = make(map[string]http.HandlerFunc)
	s.order = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
