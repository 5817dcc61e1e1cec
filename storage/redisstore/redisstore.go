// Package redisstore provides a Redis-backed storage.Backend, for
// deployments that share certificate/account state across multiple
// replicas of the renewal manager.
package redisstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/cpu/acmecore/acmeerr"
)

// Store persists each key as a Redis string under a configurable key
// prefix, so multiple unrelated applications can share one Redis instance.
type Store struct {
	client *redis.Client
	prefix string
}

// New builds a Store using client, namespacing every key under prefix
// (e.g. "acmecore:").
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) namespaced(key string) string {
	return s.prefix + key
}

func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.namespaced(key), value, 0).Err(); err != nil {
		return acmeerr.Wrap(acmeerr.KindStorage, "redis SET", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.namespaced(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, acmeerr.Newf(acmeerr.KindNotFound, "key %q not found", key)
	}
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindStorage, "redis GET", err)
	}
	return val, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespaced(key)).Err(); err != nil {
		return acmeerr.Wrap(acmeerr.KindStorage, "redis DEL", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(s.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindStorage, "redis SCAN", err)
	}
	return keys, nil
}
