// Package dns01 implements the DNS-01 ChallengeSolver (RFC 8555 section
// 8.4): publish a TXT record at _acme-challenge.<domain> containing the
// base64url SHA-256 digest of the key authorization, and wait for it to
// propagate before telling the CA to validate. This is the only solver
// capable of satisfying a wildcard identifier (spec.md section 4.3/4.4).
package dns01

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol/resources"
	"github.com/cpu/acmecore/dnsprovider"
)

const txtPrefix = "_acme-challenge."

// Options configures propagation checking.
type Options struct {
	// Resolvers are the DNS servers (host:port) queried to confirm the TXT
	// record is publicly visible before Verify returns. Defaults to a
	// handful of public resolvers when empty.
	Resolvers []string
	// PropagationTimeout bounds how long Verify waits for the record to
	// become visible across every configured resolver.
	PropagationTimeout time.Duration
	// PropagationInterval is the delay between re-query attempts.
	PropagationInterval time.Duration
}

func (o *Options) setDefaults() {
	if len(o.Resolvers) == 0 {
		o.Resolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	if o.PropagationTimeout == 0 {
		o.PropagationTimeout = 2 * time.Minute
	}
	if o.PropagationInterval == 0 {
		o.PropagationInterval = 5 * time.Second
	}
}

// propagationCache remembers, for a given fqdn+value pair, that propagation
// was already confirmed once, so a second authorization for the same name
// within a single renewal run (e.g. a SAN list with a repeated apex) skips
// the wait. Supplements spec.md per original_source's
// dns01/propagation_cache.rs.
type propagationCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newPropagationCache(ttl time.Duration) *propagationCache {
	return &propagationCache{seen: make(map[string]time.Time), ttl: ttl}
}

func (c *propagationCache) check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seenAt, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(seenAt) < c.ttl
}

func (c *propagationCache) remember(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = time.Now()
}

// Solver publishes and verifies DNS-01 TXT records via a dnsprovider.Provider.
type Solver struct {
	provider dnsprovider.Provider
	opts     Options
	cache    *propagationCache

	mu     sync.Mutex
	active map[string]pendingChallenge // keyed by fqdn+value
}

type pendingChallenge struct {
	fqdn     string
	value    string
	recordID string
}

// NewSolver builds a DNS-01 Solver backed by provider.
func NewSolver(provider dnsprovider.Provider, opts Options) *Solver {
	opts.setDefaults()
	return &Solver{
		provider: provider,
		opts:     opts,
		cache:    newPropagationCache(opts.PropagationTimeout),
		active:   make(map[string]pendingChallenge),
	}
}

func (s *Solver) Type() string { return resources.ChallengeDNS01 }

// KeyAuthorizationDigest computes the DNS-01 TXT record value: the base64url
// (no padding) SHA-256 digest of the key authorization (RFC 8555 section
// 8.4).
func KeyAuthorizationDigest(keyAuthorization string) string {
	sum := sha256.Sum256([]byte(keyAuthorization))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func fqdnFor(domain string) string {
	domain = strings.TrimPrefix(domain, "*.")
	return txtPrefix + domain
}

func (s *Solver) Prepare(ctx context.Context, identifier resources.Identifier, _ resources.Challenge, keyAuthorization string) error {
	fqdn := fqdnFor(identifier.Value)
	value := KeyAuthorizationDigest(keyAuthorization)

	recordID, err := s.provider.CreateTXTRecord(ctx, fqdn, value)
	if err != nil {
		return acmeerr.Wrap(acmeerr.KindChallenge, "create dns-01 TXT record", err)
	}

	s.mu.Lock()
	key := fqdn + "|" + value
	s.active[key] = pendingChallenge{fqdn: fqdn, value: value, recordID: recordID}
	s.mu.Unlock()
	return nil
}

// Present is a no-op: the TXT record was already published in Prepare so
// the provider has maximal time to propagate before Verify checks it.
func (s *Solver) Present(_ context.Context) error { return nil }

// Verify polls the configured resolvers until every one of them reports the
// expected TXT value, or PropagationTimeout elapses.
func (s *Solver) Verify(ctx context.Context) error {
	s.mu.Lock()
	var pending []pendingChallenge
	for _, p := range s.active {
		pending = append(pending, p)
	}
	s.mu.Unlock()

	for _, p := range pending {
		key := p.fqdn + "|" + p.value
		if s.cache.check(key) {
			continue
		}
		if err := s.waitForPropagation(ctx, p.fqdn, p.value); err != nil {
			return err
		}
		s.cache.remember(key)
	}
	return nil
}

func (s *Solver) waitForPropagation(ctx context.Context, fqdn, value string) error {
	deadline := time.Now().Add(s.opts.PropagationTimeout)
	for {
		allPropagated := true
		for _, resolver := range s.opts.Resolvers {
			ok, err := queryTXT(resolver, fqdn, value)
			if err != nil || !ok {
				allPropagated = false
				break
			}
		}
		if allPropagated {
			return nil
		}
		if time.Now().After(deadline) {
			return acmeerr.Newf(acmeerr.KindChallenge, "dns-01 TXT record for %s did not propagate within %s", fqdn, s.opts.PropagationTimeout)
		}
		timer := time.NewTimer(s.opts.PropagationInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return acmeerr.Wrap(acmeerr.KindTimeout, "dns-01 propagation wait cancelled", ctx.Err())
		case <-timer.C:
		}
	}
}

func queryTXT(resolver, fqdn, expected string) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeTXT)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: 5 * time.Second}
	resp, _, err := client.Exchange(m, resolver)
	if err != nil {
		return false, fmt.Errorf("query %s at %s: %w", fqdn, resolver, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return false, nil
	}
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			for _, v := range txt.Txt {
				if v == expected {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// Cleanup removes every TXT record this Solver has published and not yet
// cleaned up. Idempotent: a record already removed (or never created) is
// skipped silently, matching dnsprovider.Provider's DeleteTXTRecord contract.
func (s *Solver) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	pending := s.active
	s.active = make(map[string]pendingChallenge)
	s.mu.Unlock()

	var firstErr error
	for _, p := range pending {
		if err := s.provider.DeleteTXTRecord(ctx, p.fqdn, p.recordID); err != nil && firstErr == nil {
			firstErr = acmeerr.Wrap(acmeerr.KindChallenge, "delete dns-01 TXT record", err)
		}
	}
	return firstErr
}
