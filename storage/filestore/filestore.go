// Package filestore provides a file-per-key storage.Backend, one file under
// a root directory per stored key. Adapted from cpu-acmeshell's
// acme/resources account persistence (SaveAccount/RestoreAccount in
// acme/resources/account.go), which wrote a single account file with 0600
// permissions; generalized here into a directory-of-files store so it can
// hold many keys (account credentials, one certificate bundle per domain
// set) rather than exactly one.
package filestore

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"

	"github.com/cpu/acmecore/acmeerr"
)

// Store persists each key as its own file under Root. File permissions are
// 0600: every value stored here may be a private key or certificate.
type Store struct {
	root string
}

// New builds a Store rooted at dir, creating dir if it doesn't exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindStorage, "create storage directory", err)
	}
	return &Store{root: dir}, nil
}

// sanitize maps an arbitrary key to a safe filename: base64url-encode it so
// that domain lists containing "*", "." or path separators can never escape
// Root or collide.
func sanitize(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, sanitize(key))
}

func (s *Store) Store(_ context.Context, key string, value []byte) error {
	if err := os.WriteFile(s.path(key), value, 0600); err != nil {
		return acmeerr.Wrap(acmeerr.KindStorage, "write storage file", err)
	}
	return nil
}

func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, acmeerr.Newf(acmeerr.KindNotFound, "key %q not found", key)
	}
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindStorage, "read storage file", err)
	}
	return data, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return acmeerr.Wrap(acmeerr.KindStorage, "delete storage file", err)
	}
	return nil
}

func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindStorage, "list storage directory", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(e.Name())
		if err != nil {
			continue // not one of ours
		}
		keys = append(keys, string(decoded))
	}
	return keys, nil
}
