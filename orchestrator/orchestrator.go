// Package orchestrator wires the ACME protocol client, a challenge
// registry and certificate storage into the end-to-end Provisioner,
// Validator and Renewer flows spec.md section 11 describes sitting above
// the protocol/scheduler layers.
package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol"
	"github.com/cpu/acmecore/acmeprotocol/keys"
	"github.com/cpu/acmecore/certchain"
	"github.com/cpu/acmecore/challenge"
	"github.com/cpu/acmecore/scheduler"
	"github.com/cpu/acmecore/storage/certstore"
)

// Options configures a Manager.
type Options struct {
	Client      *acmeprotocol.Client
	Registry    *challenge.Registry
	Certs       *certstore.Store
	CertKeyType keys.KeyType
	Logf        func(string, ...interface{})
}

// Manager is the Provisioner/Validator/Renewer composition: Provision
// drives a fresh issuance, Validate checks a stored bundle is still good,
// Renew re-issues when it isn't. Grounded on brankas-autocertdns's
// Manager.renew (autocertdns.go), which performed the same
// register-authorize-validate-finalize sequence inline; here it is split
// across the acmeprotocol.Client.Orders.Issue state machine (the
// protocol-level mechanics) and this package (the storage/decision layer
// spec.md section 4 places above it).
type Manager struct {
	client      *acmeprotocol.Client
	registry    *challenge.Registry
	certs       *certstore.Store
	certKeyType keys.KeyType
	logf        func(string, ...interface{})
}

// New builds a Manager from opts.
func New(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, acmeerr.New(acmeerr.KindConfiguration, "client is required")
	}
	if opts.Registry == nil {
		return nil, acmeerr.New(acmeerr.KindConfiguration, "challenge registry is required")
	}
	if opts.Certs == nil {
		return nil, acmeerr.New(acmeerr.KindConfiguration, "certificate store is required")
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Manager{
		client:      opts.Client,
		registry:    opts.Registry,
		certs:       opts.Certs,
		certKeyType: opts.CertKeyType,
		logf:        logf,
	}, nil
}

// Provision issues a brand-new certificate for domains and saves it.
func (m *Manager) Provision(ctx context.Context, domains []string) (*certstore.Bundle, error) {
	result, err := m.client.Orders.Issue(ctx, domains, m.registry, m.certKeyType)
	if err != nil {
		return nil, err
	}

	chain, err := certchain.Parse(result.CertificatePEM)
	if err != nil {
		return nil, err
	}
	if err := chain.Verify(domains); err != nil {
		return nil, err
	}

	issuedAt := time.Now()
	if err := m.certs.Save(ctx, domains, result.CertificatePEM, result.CertificateKey, issuedAt, chain.NotAfter()); err != nil {
		return nil, err
	}
	m.logf("orchestrator: provisioned certificate for %v, expires %s", domains, chain.NotAfter())

	return m.certs.Load(ctx, domains)
}

// Validate loads the stored bundle for domains and checks it parses, still
// covers every requested domain, and (if deep is true) that OCSP does not
// report it revoked.
func (m *Manager) Validate(ctx context.Context, domains []string, deep bool) (*certchain.Chain, error) {
	bundle, err := m.certs.Load(ctx, domains)
	if err != nil {
		return nil, err
	}
	chain, err := certchain.Parse(bundle.CertificatePEM)
	if err != nil {
		return nil, err
	}
	if deep {
		if _, err := chain.VerifyDeep(ctx, domains, nil); err != nil {
			return chain, err
		}
		return chain, nil
	}
	return chain, chain.Verify(domains)
}

// Renew re-issues the certificate for domains, replacing the stored bundle.
// Matches scheduler.RenewFunc's signature via RenewTask.
func (m *Manager) Renew(ctx context.Context, domains []string) (*certstore.Bundle, error) {
	return m.Provision(ctx, domains)
}

// RenewTask adapts Renew to scheduler.RenewFunc, for wiring a Manager
// directly into a scheduler.Simple or scheduler.Advanced.
func (m *Manager) RenewTask(ctx context.Context, task *scheduler.RenewalTask) error {
	_, err := m.Renew(ctx, task.Domains)
	return err
}

// DueForRenewal scans every stored certificate and returns a RenewalTask
// for each one expiring within renewBefore. Matches scheduler.ScanFunc.
//
// A bundle that fails to load because it is genuinely absent (KindNotFound,
// e.g. a concurrent Delete) is skipped. A bundle that is present but fails
// to parse (KindStorage, a corrupt or truncated record) is not skipped:
// spec.md section 4.7's renewal decision calls this case out explicitly —
// "Bundle present but unparseable -> treat as 'renew' and log a warning" —
// since silently dropping it would leave a broken record in place forever.
func (m *Manager) DueForRenewal(ctx context.Context, renewBefore time.Duration) ([]*scheduler.RenewalTask, error) {
	keys, err := m.certs.List(ctx)
	if err != nil {
		return nil, err
	}

	var due []*scheduler.RenewalTask
	cutoff := time.Now().Add(renewBefore)
	for _, key := range keys {
		domains := splitDomains(key)
		bundle, err := m.certs.Load(ctx, domains)
		if err != nil {
			if acmeerr.OfKind(err, acmeerr.KindNotFound) {
				continue
			}
			m.logf("orchestrator: certificate bundle for %v is unparseable, treating as due for renewal: %v", domains, err)
			due = append(due, scheduler.NewTask(key, domains, time.Time{}, scheduler.PriorityUrgent))
			continue
		}
		if bundle.NotAfter.Before(cutoff) {
			due = append(due, scheduler.NewTask(key, bundle.Domains, bundle.NotAfter, renewalPriority(bundle.NotAfter, renewBefore)))
		}
	}
	return due, nil
}

// renewalPriority maps remaining validity to a scheduler.Priority: a
// certificate already past its expiry (or a parse failure, which callers
// pass time.Time{} for) is urgent; one deep within the renewal window is
// merely normal. Quartering renewBefore is a simple, documented heuristic
// rather than a spec-mandated formula — spec.md names the priority field
// and its ordering, not how a scan should populate it.
func renewalPriority(notAfter time.Time, renewBefore time.Duration) scheduler.Priority {
	remaining := time.Until(notAfter)
	switch {
	case remaining <= 0:
		return scheduler.PriorityUrgent
	case remaining < renewBefore/4:
		return scheduler.PriorityUrgent
	case remaining < renewBefore/2:
		return scheduler.PriorityHigh
	default:
		return scheduler.PriorityNormal
	}
}

// splitDomains recovers the original domain list from a key previously
// returned by certstore.Store.List (already stripped of its "cert:"
// prefix): certstore.Key joins sorted, lowercased domains with ",".
func splitDomains(key string) []string {
	var domains []string
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == ',' {
			if i > start {
				domains = append(domains, key[start:i])
			}
			start = i + 1
		}
	}
	return domains
}
