// Package encrypted decorates any storage.Backend with transparent
// AES-256-GCM encryption (spec.md section 4.6's optional encryption-at-rest
// layer). Ciphertext layout is nonce(12) || ciphertext || tag(16), matching
// the conventional crypto/cipher AEAD.Seal(nil, nonce, plaintext, nil)
// output.
//
// No repo in the retrieval pack wraps a non-stdlib AEAD implementation
// (cpu-acmeshell and the rest of the pack only ever consume crypto/x509 and
// go-jose's own internal AEAD usage for JWE, which this module doesn't
// need); crypto/aes + crypto/cipher is the ecosystem-standard way to get
// AES-GCM in Go, so this is the one storage component built directly on
// the standard library rather than a third-party package.
package encrypted

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/storage"
)

const keySize = 32 // AES-256

// Store wraps an inner storage.Backend, encrypting every value with a
// single 256-bit key before it reaches the inner backend, and decrypting on
// Load. Keys (as in storage.Backend key names) pass through unmodified.
type Store struct {
	inner storage.Backend
	aead  cipher.AEAD
}

// New builds an encrypted Store over inner using key, which must be exactly
// 32 bytes (AES-256).
func New(inner storage.Backend, key []byte) (*Store, error) {
	if len(key) != keySize {
		return nil, acmeerr.Newf(acmeerr.KindConfiguration, "encryption key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "construct AES cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "construct AES-GCM AEAD", err)
	}
	return &Store{inner: inner, aead: aead}, nil
}

func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return acmeerr.Wrap(acmeerr.KindCrypto, "generate AES-GCM nonce", err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, value, nil)
	return s.inner.Store(ctx, key, ciphertext)
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	ciphertext, err := s.inner.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, acmeerr.New(acmeerr.KindCrypto, "ciphertext shorter than nonce, cannot decrypt")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindCrypto, "decrypt stored value", err)
	}
	return plaintext, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.inner.List(ctx)
}
