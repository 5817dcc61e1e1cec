package acmeprotocol

import (
	"context"
	"sync"

	"github.com/cpu/acmecore/acmeerr"
)

// NonceSource is the surface AccountManager and OrderManager need from a
// nonce supplier. Both NonceManager and NoncePool satisfy it, so callers can
// swap in the prefetching pool without the rest of the client noticing.
type NonceSource interface {
	GetNonce(ctx context.Context) (string, error)
	CacheNonce(nonce string)
	Clear()
}

// NonceManager supplies a fresh anti-replay nonce to every JWS request with
// minimum round-trips (spec.md section 4.1). Adapted from cpu-acmeshell's
// Client.Nonce/RefreshNonce, which kept a single cached nonce field; this
// generalizes that into a LIFO pool guarded by a mutex, matching the data
// model's "each JWS request consumes exactly one; each response supplies a
// new one" invariant while allowing the Pool variant (below) to prefetch.
type NonceManager struct {
	dir       *DirectoryCache
	transport *Transport

	mu   sync.Mutex
	pool []string
}

// NewNonceManager builds a NonceManager that fetches from dir's newNonce
// endpoint on demand.
func NewNonceManager(dir *DirectoryCache, transport *Transport) *NonceManager {
	return &NonceManager{dir: dir, transport: transport}
}

// GetNonce pops a cached nonce if one is available; otherwise it performs a
// synchronous HEAD request to the directory's newNonce endpoint. The
// contract (spec.md section 4.1) is that GetNonce never blocks a caller
// longer than one HEAD-request round-trip.
func (m *NonceManager) GetNonce(ctx context.Context) (string, error) {
	m.mu.Lock()
	if n := len(m.pool); n > 0 {
		nonce := m.pool[n-1]
		m.pool = m.pool[:n-1]
		m.mu.Unlock()
		return nonce, nil
	}
	m.mu.Unlock()
	return m.fetch(ctx)
}

func (m *NonceManager) fetch(ctx context.Context) (string, error) {
	dir, err := m.dir.Get(ctx)
	if err != nil {
		return "", err
	}
	if dir.NewNonce == "" {
		return "", acmeerr.New(acmeerr.KindProtocol, "directory has no newNonce endpoint")
	}
	resp, err := m.transport.HeadURL(ctx, dir.NewNonce)
	if err != nil {
		return "", acmeerr.Wrap(acmeerr.KindProtocol, "fetch new nonce", err)
	}
	nonce := resp.ReplayNonce()
	if nonce == "" {
		return "", acmeerr.New(acmeerr.KindProtocol, "newNonce response had no Replay-Nonce header")
	}
	return nonce, nil
}

// CacheNonce pushes a nonce seen in a Replay-Nonce response header (success
// or error) back into the pool for reuse by a future request.
func (m *NonceManager) CacheNonce(nonce string) {
	if nonce == "" {
		return
	}
	m.mu.Lock()
	m.pool = append(m.pool, nonce)
	m.mu.Unlock()
}

// Clear drops every cached nonce. Must be called when the server replies
// with badNonce; the caller then retries with a freshly fetched nonce
// (spec.md section 4.1 and section 7).
func (m *NonceManager) Clear() {
	m.mu.Lock()
	m.pool = nil
	m.mu.Unlock()
}

// Size returns the number of nonces currently cached. Exposed for tests
// exercising the "pool_size has net change >= 0 after a successful
// exchange" invariant (spec.md section 8).
func (m *NonceManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// NoncePool is the bounded-prefetch variant of NonceManager described in
// spec.md section 4.1: it holds up to MaxSize nonces and triggers at most
// one background refill at a time once the pool drops below MinSize. If the
// pool is empty when a caller arrives, the caller fetches synchronously
// rather than waiting on the in-flight refill.
type NoncePool struct {
	*NonceManager
	maxSize int
	minSize int

	refillMu      sync.Mutex
	refillRunning bool
}

// NewNoncePool wraps a NonceManager with prefetching behavior.
func NewNoncePool(mgr *NonceManager, minSize, maxSize int) *NoncePool {
	if maxSize <= 0 {
		maxSize = 10
	}
	if minSize < 0 || minSize >= maxSize {
		minSize = maxSize / 2
	}
	return &NoncePool{NonceManager: mgr, maxSize: maxSize, minSize: minSize}
}

// GetNonce returns a nonce exactly like NonceManager.GetNonce, and
// additionally triggers a background refill if the pool has dropped below
// MinSize.
func (p *NoncePool) GetNonce(ctx context.Context) (string, error) {
	nonce, err := p.NonceManager.GetNonce(ctx)
	if err == nil {
		p.maybeRefill(ctx)
	}
	return nonce, err
}

func (p *NoncePool) maybeRefill(ctx context.Context) {
	if p.NonceManager.Size() >= p.minSize {
		return
	}
	p.refillMu.Lock()
	if p.refillRunning {
		p.refillMu.Unlock()
		return
	}
	p.refillRunning = true
	p.refillMu.Unlock()

	go func() {
		defer func() {
			p.refillMu.Lock()
			p.refillRunning = false
			p.refillMu.Unlock()
		}()
		for p.NonceManager.Size() < p.maxSize {
			nonce, err := p.NonceManager.fetch(ctx)
			if err != nil {
				return
			}
			p.NonceManager.CacheNonce(nonce)
		}
	}()
}
