package scorecache

import (
	"context"

	"matchmaking-workers/internal/matching"
)

// TieredCache reads the local cache first and the shared one second, filling
// the local cache on a shared hit. Writes and invalidations go to both.
type TieredCache struct {
	local  *MemoryCache
	shared Cache
}

func NewTieredCache(local *MemoryCache, shared Cache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

func (c *TieredCache) Get(ctx context.Context, idA, idB string) (*matching.MatchBreakdown, bool, error) {
	if b, ok, _ := c.local.Get(ctx, idA, idB); ok {
		return b, true, nil
	}

	b, ok, err := c.shared.Get(ctx, idA, idB)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = c.local.Put(ctx, idA, idB, b)
	return b, true, nil
}

func (c *TieredCache) Put(ctx context.Context, idA, idB string, b *matching.MatchBreakdown) error {
	_ = c.local.Put(ctx, idA, idB, b)
	return c.shared.Put(ctx, idA, idB, b)
}

func (c *TieredCache) Invalidate(ctx context.Context, id string) error {
	_ = c.local.Invalidate(ctx, id)
	return c.shared.Invalidate(ctx, id)
}

func (c *TieredCache) Evict(ctx context.Context) error {
	if err := c.local.Evict(ctx); err != nil {
		return err
	}
	return c.shared.Evict(ctx)
}

// Local exposes the in-process tier so callers can run its janitor.
func (c *TieredCache) Local() *MemoryCache {
	return c.local
}
