// Package storage defines the key/value persistence abstraction used to
// save account credentials and certificate bundles (spec.md section 4.6).
// Concrete backends live in the filestore, memstore, redisstore and
// certstore subpackages; encrypted wraps any Backend with transparent
// AES-256-GCM encryption.
package storage

import "context"

// Backend is a minimal key/value store. Keys are opaque strings chosen by
// callers (certstore builds them from a sorted domain list; the account
// manager's persistence layer uses a fixed key).
//
// Adapted from cpu-acmeshell's acme/resources SaveAccount/RestoreAccount
// file-per-key pattern (acme/resources/account.go), generalized into an
// interface so the same callers work unmodified against memory, file,
// encrypted or Redis-backed storage.
type Backend interface {
	// Store writes value under key, replacing any existing value.
	Store(ctx context.Context, key string, value []byte) error
	// Load reads the value stored under key. Returns an acmeerr KindNotFound
	// error if key does not exist.
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a key that doesn't exist is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key currently stored, in unspecified order.
	List(ctx context.Context) ([]string, error)
}
