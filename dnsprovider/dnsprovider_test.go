package dnsprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryProviderCreateReturnsDistinctRecordIDs(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	idA, err := p.CreateTXTRecord(ctx, "_acme-challenge.example.com", "value-a")
	require.NoError(t, err)
	idB, err := p.CreateTXTRecord(ctx, "_acme-challenge.example.com", "value-b")
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)
}

// TestMemoryProviderSupportsWildcardAndApexCoexisting pins spec.md section
// 8 scenario 2: a wildcard and its apex both validate against
// "_acme-challenge.example.com" with distinct key-authorization digests,
// and both records must be independently addressable and independently
// deletable.
func TestMemoryProviderSupportsWildcardAndApexCoexisting(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()
	fqdn := "_acme-challenge.example.com"

	apexID, err := p.CreateTXTRecord(ctx, fqdn, "apex-digest")
	require.NoError(t, err)
	wildcardID, err := p.CreateTXTRecord(ctx, fqdn, "wildcard-digest")
	require.NoError(t, err)

	ok, err := p.VerifyRecord(ctx, fqdn, "apex-digest")
	require.NoError(t, err)
	require.True(t, ok, "apex record must still be visible after the wildcard record is created")

	ok, err = p.VerifyRecord(ctx, fqdn, "wildcard-digest")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.DeleteTXTRecord(ctx, fqdn, apexID))

	ok, err = p.VerifyRecord(ctx, fqdn, "apex-digest")
	require.NoError(t, err)
	require.False(t, ok, "deleting the apex record must not remove the wildcard record")

	ok, err = p.VerifyRecord(ctx, fqdn, "wildcard-digest")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.DeleteTXTRecord(ctx, fqdn, wildcardID))
	require.Empty(t, p.LookupAll(fqdn))
}

func TestMemoryProviderDeleteUnknownRecordIsNoop(t *testing.T) {
	p := NewMemoryProvider()
	require.NoError(t, p.DeleteTXTRecord(context.Background(), "_acme-challenge.example.com", "never-issued"))
}

func TestMemoryProviderVerifyRecordFalseWhenAbsent(t *testing.T) {
	p := NewMemoryProvider()
	ok, err := p.VerifyRecord(context.Background(), "_acme-challenge.example.com", "anything")
	require.NoError(t, err)
	require.False(t, ok)
}
