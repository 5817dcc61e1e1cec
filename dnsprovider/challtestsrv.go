package dnsprovider

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/letsencrypt/challtestsrv"

	"github.com/cpu/acmecore/acmeerr"
)

// ChallTestServer adapts letsencrypt/challtestsrv's embedded DNS-01 test
// server to the Provider interface, so dns01 solver tests can run against a
// real (if fake) authoritative DNS server instead of a recorded fixture.
//
// Adapted from cpu-acmeshell's shell.NewACMEShell/shell/common.go
// newACMEShell, which constructed a *challtestsrv.ChallSrv with
// HTTPOneAddrs/TLSALPNOneAddrs/DNSOneAddrs bound to ports chosen on the
// command line and stashed it in the shell context for the solve command to
// call AddDNSOneChallenge/AddHTTPOneChallenge/AddTLSALPNChallenge on
// directly. This keeps the same construction and call pattern, but wraps it
// behind the Provider interface instead of an interactive shell command.
type ChallTestServer struct {
	srv     *challtestsrv.ChallSrv
	dnsAddr string

	// challtestsrv's AddDNSOneChallenge/DeleteDNSOneChallenge address a
	// record by bare hostname, not by an opaque per-record ID, and adding a
	// second value for a host already being answered replaces the first
	// (unlike MemoryProvider's fqdn -> id -> value map). liveByHost counts
	// how many still-undeleted record IDs this provider has issued for a
	// host, so a wildcard and its apex can share the host and the
	// underlying challenge isn't torn down until both are gone.
	mu         sync.Mutex
	nextID     uint64
	liveByHost map[string]map[string]string // host -> recordID -> value
}

// NewChallTestServer builds a challtestsrv-backed Provider whose embedded
// DNS server binds dnsAddr (e.g. ":8053"). httpOneAddrs and tlsALPNOneAddrs
// may be empty; this provider only exercises the DNS-01 surface, but
// challtestsrv bundles all three listeners, so the same instance can double
// as the validation backend for http01/tlsalpn01 tests too.
func NewChallTestServer(dnsAddr string, httpOneAddrs, tlsALPNOneAddrs []string) (*ChallTestServer, error) {
	srv, err := challtestsrv.New(challtestsrv.Config{
		HTTPOneAddrs:    httpOneAddrs,
		TLSALPNOneAddrs: tlsALPNOneAddrs,
		DNSOneAddrs:     []string{dnsAddr},
		Log:             log.New(os.Stdout, "acmecore-challtestsrv: ", log.Ldate|log.Ltime),
	})
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindConfiguration, "construct challtestsrv", err)
	}
	return &ChallTestServer{srv: srv, dnsAddr: dnsAddr, liveByHost: make(map[string]map[string]string)}, nil
}

// Run starts every configured listener. Must be called (in its own
// goroutine, as the teacher does) before any challenge is created.
func (c *ChallTestServer) Run() { c.srv.Run() }

// Shutdown stops every listener.
func (c *ChallTestServer) Shutdown() { c.srv.Shutdown() }

// CreateTXTRecord publishes value as a DNS-01 response for fqdn and returns
// an opaque record ID. AddDNSOneChallenge takes a bare hostname, not the
// "_acme-challenge." prefixed FQDN dns01.Solver passes in, so the prefix is
// stripped here to match the convention cpu-acmeshell's solve command uses
// (challSrv.AddDNSOneChallenge(authz.Identifier.Value, keyAuth)).
// challtestsrv answers every value added for a host, so a wildcard and its
// apex sharing a host each get their own TXT answer.
func (c *ChallTestServer) CreateTXTRecord(_ context.Context, fqdn, value string) (string, error) {
	host := stripAcmeChallengePrefix(fqdn)

	c.mu.Lock()
	c.nextID++
	recordID := fmt.Sprintf("rec-%d", c.nextID)
	if c.liveByHost[host] == nil {
		c.liveByHost[host] = make(map[string]string)
	}
	c.liveByHost[host][recordID] = value
	c.mu.Unlock()

	c.srv.AddDNSOneChallenge(host, value)
	return recordID, nil
}

// DeleteTXTRecord removes the record previously returned as recordID.
// challtestsrv only exposes "remove every value for this host", not
// "remove this one value", so when other records are still live for the
// host this tears the host down and republishes the values that remain.
func (c *ChallTestServer) DeleteTXTRecord(_ context.Context, fqdn, recordID string) error {
	host := stripAcmeChallengePrefix(fqdn)

	c.mu.Lock()
	live, ok := c.liveByHost[host]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(live, recordID)
	remaining := make([]string, 0, len(live))
	for _, v := range live {
		remaining = append(remaining, v)
	}
	if len(live) == 0 {
		delete(c.liveByHost, host)
	}
	c.mu.Unlock()

	c.srv.DeleteDNSOneChallenge(host)
	for _, v := range remaining {
		c.srv.AddDNSOneChallenge(host, v)
	}
	return nil
}

// VerifyRecord is always true for the test server: challtestsrv answers TXT
// queries immediately and synchronously once AddDNSOneChallenge has
// returned, there is no propagation delay to simulate.
func (c *ChallTestServer) VerifyRecord(ctx context.Context, fqdn, value string) (bool, error) {
	return true, nil
}

// Addr returns the address the embedded DNS server was configured to bind,
// for pointing a dns01.Options.Resolvers list at it.
func (c *ChallTestServer) Addr() string {
	return c.dnsAddr
}

func stripAcmeChallengePrefix(fqdn string) string {
	const prefix = "_acme-challenge."
	host := strings.TrimPrefix(fqdn, prefix)
	return strings.TrimSuffix(host, ".")
}
