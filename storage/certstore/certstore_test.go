package certstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acmeprotocol/keys"
	"github.com/cpu/acmecore/storage/memstore"
)

func TestKeyIsOrderAndCaseInsensitive(t *testing.T) {
	require.Equal(t, Key([]string{"a.example", "B.example"}), Key([]string{"b.example", "A.EXAMPLE"}))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())

	signer, err := keys.NewSigner(keys.ECDSA)
	require.NoError(t, err)

	domains := []string{"example.com", "www.example.com"}
	issuedAt := time.Now().Add(-time.Hour)
	notAfter := time.Now().Add(89 * 24 * time.Hour)

	require.NoError(t, s.Save(ctx, domains, []byte("pem-bytes"), signer, issuedAt, notAfter))

	bundle, err := s.Load(ctx, domains)
	require.NoError(t, err)
	require.Equal(t, domains, bundle.Domains)
	require.Equal(t, []byte("pem-bytes"), bundle.CertificatePEM)
	require.WithinDuration(t, notAfter, bundle.NotAfter, time.Second)

	gotSigner, err := bundle.Signer()
	require.NoError(t, err)
	require.NotNil(t, gotSigner)
}

// List must return keys with the "cert:" namespacing prefix already
// stripped, so that splitting on "," and calling Load with the result lands
// on the same backend key Save used — a caller reconstructing domains from
// List output (as orchestrator.Manager.DueForRenewal does) must be able to
// round-trip through Load.
func TestListStripsNamespacePrefixForLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())

	signer, err := keys.NewSigner(keys.Ed25519)
	require.NoError(t, err)

	domains := []string{"a.example", "b.example"}
	require.NoError(t, s.Save(ctx, domains, []byte("pem"), signer, time.Now(), time.Now().Add(time.Hour)))

	listed, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.NotContains(t, listed[0], "cert:")

	var recovered []string
	for _, part := range splitOnComma(listed[0]) {
		recovered = append(recovered, part)
	}
	bundle, err := s.Load(ctx, recovered)
	require.NoError(t, err)
	require.Equal(t, domains, bundle.Domains)
}

func splitOnComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
