// Package certstore is the CertificateStore facade spec.md section 4.6
// describes: it derives a stable key from a domain list and JSON-serializes
// the full certificate bundle (chain, private key, issuance/expiry
// metadata) over any storage.Backend.
package certstore

import (
	"context"
	"crypto"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol/keys"
	"github.com/cpu/acmecore/storage"
)

// Bundle is everything needed to serve or renew a certificate: the PEM
// chain, its private key, and the bookkeeping the renewal scheduler
// (spec.md section 4.7) needs to decide when to act.
type Bundle struct {
	Domains        []string  `json:"domains"`
	CertificatePEM []byte    `json:"certificate_pem"`
	PrivateKeyPEM  string    `json:"private_key_pem"`
	IssuedAt       time.Time `json:"issued_at"`
	NotAfter       time.Time `json:"not_after"`
}

// Key derives the stable storage key for a domain list: a sorted,
// comma-joined, lowercased set of names. Sorting makes the key
// order-independent so a SAN list requested as [a,b] and [b,a] land on the
// same record.
func Key(domains []string) string {
	sorted := make([]string, len(domains))
	copy(sorted, domains)
	for i, d := range sorted {
		sorted[i] = strings.ToLower(d)
	}
	sort.Strings(sorted)
	return "cert:" + strings.Join(sorted, ",")
}

// Store wraps a storage.Backend with the Bundle (de)serialization and key
// derivation logic.
type Store struct {
	backend storage.Backend
}

// New builds a CertificateStore over backend (which may itself be an
// encrypted.Store, a redisstore.Store, a filestore.Store, or a memstore.Store).
func New(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// Save persists a bundle built from domains, chainPEM and key.
func (s *Store) Save(ctx context.Context, domains []string, chainPEM []byte, key crypto.Signer, issuedAt, notAfter time.Time) error {
	keyPEM, err := keys.ToPEM(key)
	if err != nil {
		return err
	}
	bundle := Bundle{
		Domains:        domains,
		CertificatePEM: chainPEM,
		PrivateKeyPEM:  keyPEM,
		IssuedAt:       issuedAt,
		NotAfter:       notAfter,
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return acmeerr.Wrap(acmeerr.KindStorage, "marshal certificate bundle", err)
	}
	return s.backend.Store(ctx, Key(domains), data)
}

// Load fetches the bundle for domains.
func (s *Store) Load(ctx context.Context, domains []string) (*Bundle, error) {
	data, err := s.backend.Load(ctx, Key(domains))
	if err != nil {
		return nil, err
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindStorage, "unmarshal certificate bundle", err)
	}
	return &bundle, nil
}

// Delete removes the bundle for domains.
func (s *Store) Delete(ctx context.Context, domains []string) error {
	return s.backend.Delete(ctx, Key(domains))
}

// List returns the domain-set keys of every bundle currently stored, with
// the "cert:" namespacing prefix Key adds stripped back off — callers only
// ever deal in Key's output via Save/Load/Delete, which all take domain
// lists, not raw backend keys, so the prefix must not leak out here.
func (s *Store) List(ctx context.Context) ([]string, error) {
	raw, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, "cert:"))
	}
	return keys, nil
}

// Signer parses the bundle's private key back into a crypto.Signer.
func (b *Bundle) Signer() (crypto.Signer, error) {
	return keys.FromPEM([]byte(b.PrivateKeyPEM))
}
