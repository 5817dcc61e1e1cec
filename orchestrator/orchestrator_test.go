package orchestrator

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acmeprotocol"
	"github.com/cpu/acmecore/acmetest"
	"github.com/cpu/acmecore/challenge"
	"github.com/cpu/acmecore/challenge/http01"
	"github.com/cpu/acmecore/storage/certstore"
	"github.com/cpu/acmecore/storage/memstore"
)

// TestProvisionHappyPathHTTP01 drives the end-to-end HTTP-01 issuance flow
// spec.md section 8 names: directory discovery, account registration, order
// creation, challenge solving, finalize, and certificate download, ending
// with the bundle persisted in a certstore.Store.
func TestProvisionHappyPathHTTP01(t *testing.T) {
	srv := acmetest.New()
	defer srv.Close()

	solver := http01.NewSolver(":0")
	defer solver.Shutdown(context.Background())

	srv.HTTPDialer = func(req *http.Request) (*http.Response, error) {
		req.URL.Host = solver.Addr()
		return http.DefaultClient.Do(req)
	}

	client, err := acmeprotocol.NewClient(acmeprotocol.ClientOptions{DirectoryURL: srv.URL()})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = client.Account.Register(ctx, []string{"mailto:test@example.com"}, true)
	require.NoError(t, err)

	client.Orders.SetPollPolicy(10*time.Millisecond, 5*time.Second)

	registry := challenge.NewRegistry()
	registry.Register(solver)

	mgr, err := New(Options{
		Client:   client,
		Registry: registry,
		Certs:    certstore.New(memstore.New()),
	})
	require.NoError(t, err)

	bundle, err := mgr.Provision(ctx, []string{"example.test"})
	require.NoError(t, err)
	require.Equal(t, []string{"example.test"}, bundle.Domains)
	require.NotEmpty(t, bundle.CertificatePEM)
	require.NotEmpty(t, bundle.PrivateKeyPEM)

	signer, err := bundle.Signer()
	require.NoError(t, err)
	require.NotNil(t, signer)
}

// TestProvisionAuthorizationFailure exercises the authorization-invalid
// scenario: the mock CA rejects validation regardless of proof, and Issue
// must surface a non-nil error rather than hang or silently succeed.
func TestProvisionAuthorizationFailure(t *testing.T) {
	srv := acmetest.New()
	defer srv.Close()
	srv.ForceAuthorizationFailure("broken.test", "simulated CA rejection")

	solver := http01.NewSolver(":0")
	defer solver.Shutdown(context.Background())
	srv.HTTPDialer = func(req *http.Request) (*http.Response, error) {
		req.URL.Host = solver.Addr()
		return http.DefaultClient.Do(req)
	}

	client, err := acmeprotocol.NewClient(acmeprotocol.ClientOptions{DirectoryURL: srv.URL()})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = client.Account.Register(ctx, []string{"mailto:test@example.com"}, true)
	require.NoError(t, err)
	client.Orders.SetPollPolicy(10*time.Millisecond, 5*time.Second)

	registry := challenge.NewRegistry()
	registry.Register(solver)

	mgr, err := New(Options{
		Client:   client,
		Registry: registry,
		Certs:    certstore.New(memstore.New()),
	})
	require.NoError(t, err)

	_, err = mgr.Provision(ctx, []string{"broken.test"})
	require.Error(t, err)
}
