package encrypted

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/storage/memstore"
)

func TestRoundTripAndCiphertextOpacity(t *testing.T) {
	ctx := context.Background()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	inner := memstore.New()
	s, err := New(inner, key)
	require.NoError(t, err)

	plaintext := []byte("super secret certificate key material")
	require.NoError(t, s.Store(ctx, "k", plaintext))

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	raw, err := inner.Load(ctx, "k")
	require.NoError(t, err)
	require.NotEqual(t, plaintext, raw, "inner backend must never see plaintext")
	require.False(t, bytes.Contains(raw, plaintext))
}

func TestWrongKeyFailsToDecrypt(t *testing.T) {
	ctx := context.Background()
	key1 := bytes.Repeat([]byte{0x01}, 32)
	key2 := bytes.Repeat([]byte{0x02}, 32)

	inner := memstore.New()
	writer, err := New(inner, key1)
	require.NoError(t, err)
	require.NoError(t, writer.Store(ctx, "k", []byte("data")))

	reader, err := New(inner, key2)
	require.NoError(t, err)
	_, err = reader.Load(ctx, "k")
	require.Error(t, err)
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	_, err := New(memstore.New(), []byte("too-short"))
	require.Error(t, err)
}
