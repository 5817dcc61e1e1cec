// Package memstore provides an in-memory storage.Backend, primarily for
// tests and for short-lived processes that don't need durability.
package memstore

import (
	"context"
	"sync"

	"github.com/cpu/acmecore/acmeerr"
)

// Store is a mutex-guarded map-backed storage.Backend.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New builds an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Store(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, acmeerr.Newf(acmeerr.KindNotFound, "key %q not found", key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}
