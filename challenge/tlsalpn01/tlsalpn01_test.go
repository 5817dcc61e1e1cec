package tlsalpn01

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acmeprotocol/resources"
)

func TestPrepareServesCertificateWithAcmeIdentifier(t *testing.T) {
	s := NewSolver(":0")
	defer s.Shutdown()

	ctx := t.Context()
	keyAuth := "token.thumbprint"
	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "example.com"}, resources.Challenge{}, keyAuth))

	addr := s.listener.Addr().String()
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         "example.com",
		NextProtos:         []string{acmeTLS1Protocol},
	})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Handshake())
	state := conn.ConnectionState()
	require.Len(t, state.PeerCertificates, 1)

	cert := state.PeerCertificates[0]
	require.Equal(t, []string{"example.com"}, cert.DNSNames)

	digest := sha256.Sum256([]byte(keyAuth))
	found := false
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(idPeACMEIdentifier) {
			found = true
			var got []byte
			_, err := asn1.Unmarshal(ext.Value, &got)
			require.NoError(t, err)
			require.Equal(t, digest[:], got)
		}
	}
	require.True(t, found, "acmeIdentifier extension must be present")
}

func TestHandshakeFailsForUnknownSNI(t *testing.T) {
	s := NewSolver(":0")
	defer s.Shutdown()

	ctx := t.Context()
	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "known.example"}, resources.Challenge{}, "ka"))

	addr := s.listener.Addr().String()
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         "unknown.example",
		NextProtos:         []string{acmeTLS1Protocol},
	})
	if err == nil {
		err = conn.Handshake()
	}
	require.Error(t, err)
}

func TestCleanupRemovesCertificates(t *testing.T) {
	s := NewSolver(":0")
	defer s.Shutdown()

	ctx := t.Context()
	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "example.com"}, resources.Challenge{}, "ka"))
	require.NoError(t, s.Cleanup(ctx))

	s.mu.Lock()
	count := len(s.certs)
	s.mu.Unlock()
	require.Zero(t, count)
}
