package ledger

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const probeCacheKey = "available"

// ProbeCache memoises IsAvailable for a short TTL so bursts of actions do not
// each pay a round trip to the backend. Only positive probes are cached.
type ProbeCache struct {
	inner Client
	cache *gocache.Cache
	ttl   time.Duration
}

// NewProbeCache wraps inner. A non-positive ttl disables caching.
func NewProbeCache(inner Client, ttl time.Duration) *ProbeCache {
	cleanup := ttl * 2
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &ProbeCache{inner: inner, cache: gocache.New(ttl, cleanup), ttl: ttl}
}

// Unwrap returns the wrapped client.
func (p *ProbeCache) Unwrap() Client { return p.inner }

// Invalidate forgets the cached probe result.
func (p *ProbeCache) Invalidate() {
	p.cache.Delete(probeCacheKey)
}

func (p *ProbeCache) Mode() Mode { return p.inner.Mode() }

func (p *ProbeCache) IsAvailable(ctx context.Context) bool {
	if p.ttl > 0 {
		if _, ok := p.cache.Get(probeCacheKey); ok {
			return true
		}
	}
	ok := p.inner.IsAvailable(ctx)
	if ok && p.ttl > 0 {
		p.cache.Set(probeCacheKey, true, p.ttl)
	}
	return ok
}

func (p *ProbeCache) GetData(ctx context.Context, key string) ([]byte, error) {
	return p.inner.GetData(ctx, key)
}

func (p *ProbeCache) SetData(ctx context.Context, key string, value []byte) (Receipt, error) {
	receipt, err := p.inner.SetData(ctx, key, value)
	if err != nil && !errors.Is(err, ErrReadOnly) {
		p.Invalidate()
	}
	return receipt, err
}

func (p *ProbeCache) CompareAndSwap(ctx context.Context, key string, old, value []byte) (Receipt, bool, error) {
	sw, ok := p.inner.(Swapper)
	if !ok {
		return Receipt{}, false, errors.New("ledger: backend has no conditional write")
	}
	receipt, swapped, err := sw.CompareAndSwap(ctx, key, old, value)
	if err != nil {
		p.Invalidate()
	}
	return receipt, swapped, err
}

var (
	_ Client  = (*ProbeCache)(nil)
	_ Swapper = (*ProbeCache)(nil)
)
