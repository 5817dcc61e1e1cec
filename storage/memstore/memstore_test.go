package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acmeerr"
)

func TestStoreLoadDeleteList(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Load(ctx, "missing")
	require.Error(t, err)
	require.True(t, acmeerr.OfKind(err, acmeerr.KindNotFound))

	require.NoError(t, s.Store(ctx, "a", []byte("one")))
	require.NoError(t, s.Store(ctx, "b", []byte("two")))

	v, err := s.Load(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), v)

	keys, err := s.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Load(ctx, "a")
	require.Error(t, err)

	// deleting a missing key is not an error
	require.NoError(t, s.Delete(ctx, "a"))
}

func TestStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := New()
	buf := []byte("mutate me")
	require.NoError(t, s.Store(ctx, "k", buf))
	buf[0] = 'X'

	v, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("mutate me"), v, "Store must copy, not alias, the caller's slice")

	v[0] = 'Y'
	v2, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("mutate me"), v2, "Load must return a copy, not the internal slice")
}
