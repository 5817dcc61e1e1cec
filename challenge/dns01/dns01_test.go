package dns01

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acmeprotocol/resources"
	"github.com/cpu/acmecore/dnsprovider"
)

func TestPrepareCreatesExpectedTXTRecord(t *testing.T) {
	provider := dnsprovider.NewMemoryProvider()
	s := NewSolver(provider, Options{})

	ctx := context.Background()
	err := s.Prepare(ctx, resources.Identifier{Type: "dns", Value: "*.example.com"}, resources.Challenge{}, "token.thumbprint")
	require.NoError(t, err)

	got := provider.Lookup("_acme-challenge.example.com")
	require.Equal(t, KeyAuthorizationDigest("token.thumbprint"), got)
}

func TestFqdnForStripsWildcardPrefix(t *testing.T) {
	require.Equal(t, "_acme-challenge.example.com", fqdnFor("*.example.com"))
	require.Equal(t, "_acme-challenge.example.com", fqdnFor("example.com"))
}

func TestCleanupRemovesPublishedRecordsAndIsIdempotent(t *testing.T) {
	provider := dnsprovider.NewMemoryProvider()
	s := NewSolver(provider, Options{})
	ctx := context.Background()

	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "example.com"}, resources.Challenge{}, "ka"))
	require.NotEmpty(t, provider.Lookup("_acme-challenge.example.com"))

	require.NoError(t, s.Cleanup(ctx))
	require.Empty(t, provider.Lookup("_acme-challenge.example.com"))

	// second Cleanup with nothing pending must not error
	require.NoError(t, s.Cleanup(ctx))
}

// TestWildcardAndApexPublishDistinctRecords pins spec.md section 8
// scenario 2: both identifiers in a wildcard order validate against the
// same fqdn but must carry distinct key-authorization digests, and
// cleaning up one must not remove the other's record.
func TestWildcardAndApexPublishDistinctRecords(t *testing.T) {
	provider := dnsprovider.NewMemoryProvider()
	s := NewSolver(provider, Options{})
	ctx := context.Background()

	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "example.com"}, resources.Challenge{}, "apex-key-auth"))
	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "*.example.com"}, resources.Challenge{}, "wildcard-key-auth"))

	values := provider.LookupAll("_acme-challenge.example.com")
	require.Len(t, values, 2)
	require.ElementsMatch(t, []string{
		KeyAuthorizationDigest("apex-key-auth"),
		KeyAuthorizationDigest("wildcard-key-auth"),
	}, values)

	require.NoError(t, s.Cleanup(ctx))
	require.Empty(t, provider.LookupAll("_acme-challenge.example.com"))
}

func TestKeyAuthorizationDigestIsDeterministic(t *testing.T) {
	a := KeyAuthorizationDigest("same-input")
	b := KeyAuthorizationDigest("same-input")
	require.Equal(t, a, b)
	require.NotEqual(t, a, KeyAuthorizationDigest("different-input"))
}
