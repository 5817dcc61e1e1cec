package http01

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acmeprotocol/resources"
)

func TestPrepareServesKeyAuthorization(t *testing.T) {
	s := NewSolver(":0")
	defer s.Shutdown(context.Background())

	ctx := context.Background()
	chall := resources.Challenge{Token: "abc123"}
	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "example.com"}, chall, "abc123.thumbprint"))

	resp, err := http.Get(fmt.Sprintf("http://%s/.well-known/acme-challenge/abc123", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "abc123.thumbprint", string(body))
}

func TestUnknownTokenIs404(t *testing.T) {
	s := NewSolver(":0")
	defer s.Shutdown(context.Background())

	ctx := context.Background()
	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "example.com"}, resources.Challenge{Token: "known"}, "ka"))

	resp, err := http.Get(fmt.Sprintf("http://%s/.well-known/acme-challenge/unknown", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCleanupRetiresOneRouteAtATimeAndShutsDownWhenEmpty(t *testing.T) {
	s := NewSolver(":0")
	ctx := context.Background()

	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "a.example"}, resources.Challenge{Token: "tok-a"}, "ka-a"))
	require.NoError(t, s.Prepare(ctx, resources.Identifier{Value: "b.example"}, resources.Challenge{Token: "tok-b"}, "ka-b"))

	addr := s.Addr()
	require.NotEmpty(t, addr)

	require.NoError(t, s.Cleanup(ctx))
	resp, err := http.Get(fmt.Sprintf("http://%s/.well-known/acme-challenge/tok-b", addr))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "second challenge's route must survive the first Cleanup")

	require.NoError(t, s.Cleanup(ctx))
	require.Empty(t, s.Addr(), "listener must be torn down once every challenge is cleaned up")

	// idempotent: cleaning up with nothing left must not error
	require.NoError(t, s.Cleanup(ctx))
}
