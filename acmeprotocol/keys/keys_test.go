package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSignerDefaultsToEd25519(t *testing.T) {
	signer, err := NewSigner("")
	require.NoError(t, err)
	require.Equal(t, "OKP", algForKey(signer))
}

func TestNewSignerUnknownType(t *testing.T) {
	_, err := NewSigner("bogus")
	require.Error(t, err)
}

func TestPEMRoundTrip(t *testing.T) {
	for _, kt := range []KeyType{Ed25519, ECDSA, RSA} {
		signer, err := NewSigner(kt)
		require.NoError(t, err)

		pemStr, err := ToPEM(signer)
		require.NoError(t, err)
		require.Contains(t, pemStr, "PRIVATE KEY")

		parsed, err := FromPEM([]byte(pemStr))
		require.NoError(t, err)

		thumbA, err := Thumbprint(signer)
		require.NoError(t, err)
		thumbB, err := Thumbprint(parsed)
		require.NoError(t, err)
		require.Equal(t, thumbA, thumbB, "round-tripped key must have the same thumbprint for %s", kt)
	}
}

func TestFromPEMRejectsGarbage(t *testing.T) {
	_, err := FromPEM([]byte("not a pem block"))
	require.Error(t, err)

	_, err = FromPEM(nil)
	require.Error(t, err)
}

func TestKeyAuthorizationFormat(t *testing.T) {
	signer, err := NewSigner(Ed25519)
	require.NoError(t, err)

	ka, err := KeyAuthorization(signer, "the-token")
	require.NoError(t, err)
	require.Contains(t, ka, "the-token.")

	thumb, err := Thumbprint(signer)
	require.NoError(t, err)
	require.Equal(t, "the-token."+thumb, ka)
}
