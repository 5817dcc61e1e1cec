package acmeprotocol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cpu/acmecore/acmeerr"
	"github.com/cpu/acmecore/acmeprotocol/resources"
)

// DirectoryCache fetches and caches the ACME directory document for the
// lifetime of the process, with explicit invalidation (spec.md section 3:
// "fetched once, cached for process lifetime with explicit invalidation").
//
// Adapted from cpu-acmeshell's client.Directory/UpdateDirectory, which
// stored the directory as an untyped map[string]any; here it is unmarshaled
// into the typed resources.Directory struct and guarded by a
// writer-preferred RWMutex (spec.md section 5: "Directory cache: read-mostly;
// writer-preferred lock").
type DirectoryCache struct {
	url       string
	transport *Transport

	mu  sync.RWMutex
	dir *resources.Directory
}

// NewDirectoryCache creates a cache for the ACME directory at url.
func NewDirectoryCache(url string, transport *Transport) *DirectoryCache {
	return &DirectoryCache{url: url, transport: transport}
}

// Get returns the cached directory, fetching it first if this is the first
// call or after Invalidate.
func (d *DirectoryCache) Get(ctx context.Context) (*resources.Directory, error) {
	d.mu.RLock()
	if d.dir != nil {
		cur := d.dir
		d.mu.RUnlock()
		return cur, nil
	}
	d.mu.RUnlock()
	return d.refresh(ctx)
}

// Invalidate drops the cached directory so the next Get performs a fresh
// fetch. Must be called if the directory is suspected stale (e.g. the CA
// rotated an endpoint URL).
func (d *DirectoryCache) Invalidate() {
	d.mu.Lock()
	d.dir = nil
	d.mu.Unlock()
}

func (d *DirectoryCache) refresh(ctx context.Context) (*resources.Directory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dir != nil {
		return d.dir, nil
	}

	resp, err := d.transport.GetURL(ctx, d.url)
	if err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindProtocol, "fetch ACME directory", err)
	}
	if resp.StatusCode != 200 {
		return nil, acmeerr.Newf(acmeerr.KindProtocol, "directory fetch returned status %d", resp.StatusCode)
	}

	var dir resources.Directory
	if err := json.Unmarshal(resp.Body, &dir); err != nil {
		return nil, acmeerr.Wrap(acmeerr.KindProtocol, "parse ACME directory", err)
	}
	d.dir = &dir
	return d.dir, nil
}
