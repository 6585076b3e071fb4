package idtoken

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const fetchTimeout = 5 * time.Second

// RemoteKeySets fetches platform key sets over HTTP and keeps them cached
// with background refresh. URLs are registered on first use.
type RemoteKeySets struct {
	cache *jwk.Cache

	mu         sync.Mutex
	registered map[string]bool
}

func NewRemoteKeySets(ctx context.Context, hc *http.Client) (*RemoteKeySets, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(hc)))
	if err != nil {
		return nil, fmt.Errorf("create jwks cache: %w", err)
	}
	return &RemoteKeySets{cache: cache, registered: map[string]bool{}}, nil
}

// ensure adds url to the cache without waiting for the first fetch, so the
// lock never spans network I/O. Fetching is left to Lookup.
func (r *RemoteKeySets) ensure(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[url] {
		return nil
	}
	if err := r.cache.Register(ctx, url, jwk.WithWaitReady(false)); err != nil && !r.cache.IsRegistered(ctx, url) {
		return fmt.Errorf("register %s: %w", url, err)
	}
	r.registered[url] = true
	return nil
}

// Lookup returns the cached set for url. A set that has never been fetched
// successfully is fetched now, so an outage only fails the calls made while
// the platform is down.
func (r *RemoteKeySets) Lookup(ctx context.Context, url string) (jwk.Set, error) {
	if err := r.ensure(ctx, url); err != nil {
		return nil, err
	}
	if set, err := r.cache.Lookup(ctx, url); err == nil {
		return set, nil
	}
	return r.fetch(ctx, url)
}

// Refresh refetches url now. Used when a token names a kid the cached set
// does not have yet.
func (r *RemoteKeySets) Refresh(ctx context.Context, url string) (jwk.Set, error) {
	if err := r.ensure(ctx, url); err != nil {
		return nil, err
	}
	return r.fetch(ctx, url)
}

func (r *RemoteKeySets) fetch(ctx context.Context, url string) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	return r.cache.Refresh(ctx, url)
}
