// Package dnsprovider defines the contract a DNS-01 solver uses to publish
// and remove the _acme-challenge TXT record (spec.md section 4.5). Concrete
// provider SDK integrations (Route53, Cloudflare, etc.) are explicitly out
// of scope (spec.md section 1 Non-goals) — this package only fixes the
// interface shape and supplies an in-memory test double.
package dnsprovider

import (
	"context"
	"fmt"
	"sync"
)

// Provider creates and removes TXT records for ACME DNS-01 validation.
// Grounded on brankas-autocertdns's Provisioner interface (autocertdns.go),
// generalized from its Provision/Unprovision(typ, name, token) shape into a
// TXT-only contract with an explicit Verify step, since spec.md section 4.5
// calls out verification as a distinct operation from creation.
//
// CreateTXTRecord returns a record ID rather than letting callers address a
// record by (fqdn, value): spec.md section 4.5 specifies exactly this
// create(fqdn, value) -> record_id / delete(fqdn, record_id) shape because a
// single fqdn can carry more than one live TXT value at once (an apex and
// its wildcard both validate against "_acme-challenge.<apex>", each with its
// own key-authorization digest) and "value" alone isn't enough to say which
// one a later Delete means. Record IDs are opaque strings whose internal
// structure is provider-private.
type Provider interface {
	// CreateTXTRecord publishes a TXT record for fqdn with the given value
	// and returns an opaque record ID identifying it. fqdn already carries
	// the "_acme-challenge." prefix.
	CreateTXTRecord(ctx context.Context, fqdn, value string) (recordID string, err error)

	// DeleteTXTRecord removes the TXT record previously returned as
	// recordID. Must be idempotent: deleting a record that doesn't exist
	// (already removed, or an ID this provider never issued) is not an
	// error.
	DeleteTXTRecord(ctx context.Context, fqdn, recordID string) error

	// VerifyRecord reports whether fqdn currently resolves (at the
	// provider, not necessarily publicly) to a TXT record matching value.
	VerifyRecord(ctx context.Context, fqdn, value string) (bool, error)
}

// MemoryProvider is an in-process Provider test double: it never touches
// the network, just a guarded map of maps (fqdn -> record ID -> value), so
// a single fqdn can hold more than one concurrently live TXT value, the way
// a wildcard and its apex do. Used by the mock ACME server's end-to-end
// tests (spec.md section 8's wildcard DNS-01 scenario) and as a reference
// implementation for real provider adapters.
type MemoryProvider struct {
	mu      sync.Mutex
	records map[string]map[string]string
	nextID  uint64
}

// NewMemoryProvider builds an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{records: make(map[string]map[string]string)}
}

func (p *MemoryProvider) CreateTXTRecord(_ context.Context, fqdn, value string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	recordID := fmt.Sprintf("rec-%d", p.nextID)
	if p.records[fqdn] == nil {
		p.records[fqdn] = make(map[string]string)
	}
	p.records[fqdn][recordID] = value
	return recordID, nil
}

func (p *MemoryProvider) DeleteTXTRecord(_ context.Context, fqdn, recordID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	values, ok := p.records[fqdn]
	if !ok {
		return nil
	}
	delete(values, recordID)
	if len(values) == 0 {
		delete(p.records, fqdn)
	}
	return nil
}

func (p *MemoryProvider) VerifyRecord(_ context.Context, fqdn, value string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.records[fqdn] {
		if v == value {
			return true, nil
		}
	}
	return false, nil
}

// Lookup returns one currently published value for fqdn, for test
// assertions that only ever publish a single record per name. Returns ""
// if nothing is published. Use LookupAll when a test needs to see every
// value coexisting under the same fqdn (e.g. a wildcard and its apex).
func (p *MemoryProvider) Lookup(fqdn string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.records[fqdn] {
		return v
	}
	return ""
}

// LookupAll returns every value currently published under fqdn.
func (p *MemoryProvider) LookupAll(fqdn string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	values := make([]string, 0, len(p.records[fqdn]))
	for _, v := range p.records[fqdn] {
		values = append(values, v)
	}
	return values
}

func (p *MemoryProvider) String() string {
	return fmt.Sprintf("dnsprovider.MemoryProvider{%d records}", len(p.records))
}
