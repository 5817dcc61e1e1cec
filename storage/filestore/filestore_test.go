package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acmeerr"
)

func TestStoreLoadDeleteList(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load(ctx, "missing")
	require.True(t, acmeerr.OfKind(err, acmeerr.KindNotFound))

	require.NoError(t, s.Store(ctx, "example.com,www.example.com", []byte("bundle-bytes")))

	v, err := s.Load(ctx, "example.com,www.example.com")
	require.NoError(t, err)
	require.Equal(t, []byte("bundle-bytes"), v)

	keys, err := s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"example.com,www.example.com"}, keys)

	require.NoError(t, s.Delete(ctx, "example.com,www.example.com"))
	_, err = s.Load(ctx, "example.com,www.example.com")
	require.Error(t, err)
}

// Keys may contain characters ("*", "/") that would otherwise escape the
// storage root or collide on the filesystem; sanitize must prevent both.
func TestKeysWithPathSeparatorsAreSafe(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	dangerous := "*.example.com/../../etc/passwd"
	require.NoError(t, s.Store(ctx, dangerous, []byte("wildcard-bundle")))

	v, err := s.Load(ctx, dangerous)
	require.NoError(t, err)
	require.Equal(t, []byte("wildcard-bundle"), v)
}
