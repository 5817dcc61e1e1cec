package acmeprotocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acmeprotocol/resources"
)

func newNonceTestManager(t *testing.T, nonces ...string) (*NonceManager, func()) {
	t.Helper()
	idx := 0
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		n := "fetched-nonce"
		if idx < len(nonces) {
			n = nonces[idx]
			idx++
		}
		w.Header().Set("Replay-Nonce", n)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resources.Directory{NewNonce: srv.URL + "/new-nonce"})
	})

	transport, err := NewTransport(nil)
	require.NoError(t, err)
	dir := NewDirectoryCache(srv.URL+"/directory", transport)
	return NewNonceManager(dir, transport), srv.Close
}

func TestNonceManagerCachesAndPopsLIFO(t *testing.T) {
	mgr, closeSrv := newNonceTestManager(t)
	defer closeSrv()

	mgr.CacheNonce("first")
	mgr.CacheNonce("second")
	require.Equal(t, 2, mgr.Size())

	nonce, err := mgr.GetNonce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "second", nonce, "GetNonce must pop the most recently cached nonce")
	require.Equal(t, 1, mgr.Size())
}

func TestNonceManagerFetchesWhenPoolEmpty(t *testing.T) {
	mgr, closeSrv := newNonceTestManager(t, "from-directory")
	defer closeSrv()

	require.Equal(t, 0, mgr.Size())
	nonce, err := mgr.GetNonce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "from-directory", nonce)
}

func TestNonceManagerClearDropsPool(t *testing.T) {
	mgr, closeSrv := newNonceTestManager(t)
	defer closeSrv()

	mgr.CacheNonce("a")
	mgr.CacheNonce("b")
	mgr.Clear()
	require.Equal(t, 0, mgr.Size())
}

func TestNonceManagerIgnoresEmptyCache(t *testing.T) {
	mgr, closeSrv := newNonceTestManager(t)
	defer closeSrv()

	mgr.CacheNonce("")
	require.Equal(t, 0, mgr.Size())
}

// TestNoncePoolNetChangeNonNegative exercises the "pool_size has net change
// >= 0 after a successful exchange" invariant: draining the pool below
// MinSize must trigger a background refill that restores it, rather than
// leaving the pool permanently depleted.
func TestNoncePoolNetChangeNonNegative(t *testing.T) {
	mgr, closeSrv := newNonceTestManager(t)
	defer closeSrv()

	pool := NewNoncePool(mgr, 2, 5)
	pool.CacheNonce("seed")

	_, err := pool.GetNonce(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pool.Size() >= pool.minSize
	}, time.Second, 10*time.Millisecond, "background refill must restore pool above MinSize")
}

func TestNewNoncePoolDefaultsInvalidSizes(t *testing.T) {
	mgr, closeSrv := newNonceTestManager(t)
	defer closeSrv()

	pool := NewNoncePool(mgr, -1, 0)
	require.Equal(t, 10, pool.maxSize)
	require.Equal(t, 5, pool.minSize)
}
