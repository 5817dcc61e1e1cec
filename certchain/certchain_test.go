package certchain

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedLeaf(t *testing.T, sans []string, extraExt []pkix.Extension, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: sans[0]},
		DNSNames:     sans,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		ExtraExtensions: extraExt,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestParseRejectsEmptyPEM(t *testing.T) {
	_, err := Parse([]byte("not a cert"))
	require.Error(t, err)
}

func TestParseAndCoversDomains(t *testing.T) {
	notAfter := time.Now().Add(90 * 24 * time.Hour)
	leafPEM := selfSignedLeaf(t, []string{"Example.com", "www.example.com"}, nil, notAfter)

	chain, err := Parse(leafPEM)
	require.NoError(t, err)
	require.Equal(t, "Example.com", chain.CommonName())
	require.WithinDuration(t, notAfter, chain.NotAfter(), time.Second)

	require.True(t, chain.CoversDomains([]string{"example.com", "WWW.EXAMPLE.COM"}), "coverage check must be case-insensitive")
	require.False(t, chain.CoversDomains([]string{"other.example.com"}))

	require.NoError(t, chain.Verify([]string{"example.com"}))
	require.Error(t, chain.Verify([]string{"missing.example.com"}))
}

func TestMustStapleDetection(t *testing.T) {
	notAfter := time.Now().Add(24 * time.Hour)

	withoutExt := selfSignedLeaf(t, []string{"plain.example"}, nil, notAfter)
	chain, err := Parse(withoutExt)
	require.NoError(t, err)
	require.False(t, chain.MustStaple())

	tlsFeatureOID := asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}
	withExt := selfSignedLeaf(t, []string{"staple.example"}, []pkix.Extension{
		{Id: tlsFeatureOID, Value: []byte{0x30, 0x03, 0x02, 0x01, 0x05}},
	}, notAfter)
	chain2, err := Parse(withExt)
	require.NoError(t, err)
	require.True(t, chain2.MustStaple())
}

func TestVerifyRejectsExpiredIntermediate(t *testing.T) {
	leafNotAfter := time.Now().Add(90 * 24 * time.Hour)
	leafPEM := selfSignedLeaf(t, []string{"example.com"}, nil, leafNotAfter)

	expiredIntermediatePEM := selfSignedLeaf(t, []string{"intermediate-ca"}, nil, time.Now().Add(-time.Hour))

	chain, err := Parse(append(leafPEM, expiredIntermediatePEM...))
	require.NoError(t, err)
	require.Len(t, chain.Intermediates, 1)

	err = chain.Verify([]string{"example.com"})
	require.Error(t, err, "an expired intermediate must fail Verify even though the leaf itself is still current")
}

func TestVerifyRejectsNotYetValidLeaf(t *testing.T) {
	future := time.Now().Add(24 * time.Hour)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "not-yet-valid.example"},
		DNSNames:     []string{"not-yet-valid.example"},
		NotBefore:    future,
		NotAfter:     future.Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	chain, err := Parse(leafPEM)
	require.NoError(t, err)
	require.Error(t, chain.Verify([]string{"not-yet-valid.example"}))
}

func TestQueryOCSPUnknownWithoutResponderOrIssuer(t *testing.T) {
	notAfter := time.Now().Add(24 * time.Hour)
	leafPEM := selfSignedLeaf(t, []string{"no-ocsp.example"}, nil, notAfter)
	chain, err := Parse(leafPEM)
	require.NoError(t, err)

	status, err := chain.QueryOCSP(t.Context(), nil)
	require.NoError(t, err)
	require.Equal(t, OCSPUnknown, status)
}
