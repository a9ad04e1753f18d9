// Package scorecache stores pairwise match breakdowns keyed by the unordered
// pair of profile ids.
package scorecache

import (
	"context"
	"slices"
	"sync"
	"time"

	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/common/metrics"
	"matchmaking-workers/internal/matching"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 10000

	// evictFraction of the entries, oldest first, go when the cache is over capacity.
	evictFraction = 0.2
)

// Cache is a matching.ScoreCache with an explicit cleanup hook.
type Cache interface {
	matching.ScoreCache
	Evict(ctx context.Context) error
}

type pairKey struct {
	lo, hi string
}

func keyFor(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

type entry struct {
	breakdown matching.MatchBreakdown
	storedAt  time.Time
	seq       uint64
}

type MemoryOptions struct {
	TTL        time.Duration
	MaxEntries int
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger logger.Logger
}

// MemoryCache is a single-node cache with lazy expiry and a capacity bound
// that drops the oldest inserts first.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[pairKey]*entry
	byProfile  map[string]map[pairKey]struct{}
	seq        uint64
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	logger     logger.Logger
}

func NewMemoryCache(opts MemoryOptions) *MemoryCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoOpLogger()
	}
	return &MemoryCache{
		entries:    make(map[pairKey]*entry),
		byProfile:  make(map[string]map[pairKey]struct{}),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        opts.Clock,
		logger:     opts.Logger,
	}
}

// Get returns a copy of the stored breakdown. Expired entries read as absent
// until the next Evict removes them.
func (c *MemoryCache) Get(_ context.Context, idA, idB string) (*matching.MatchBreakdown, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[keyFor(idA, idB)]
	if !ok || c.expired(e) {
		c.mu.RUnlock()
		return nil, false, nil
	}
	b := copyBreakdown(e.breakdown)
	c.mu.RUnlock()
	return &b, true, nil
}

func (c *MemoryCache) Put(_ context.Context, idA, idB string, b *matching.MatchBreakdown) error {
	if b == nil {
		return nil
	}
	k := keyFor(idA, idB)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.entries[k] = &entry{breakdown: copyBreakdown(*b), storedAt: c.now(), seq: c.seq}
	c.index(k.lo, k)
	c.index(k.hi, k)

	if len(c.entries) > c.maxEntries {
		c.dropExpiredLocked()
		if len(c.entries) > c.maxEntries {
			c.dropOldestLocked()
		}
	}
	return nil
}

// Invalidate removes every entry involving id.
func (c *MemoryCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.byProfile[id] {
		c.removeLocked(k)
	}
	delete(c.byProfile, id)
	return nil
}

// Evict removes expired entries and trims the cache back under capacity.
func (c *MemoryCache) Evict(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropExpiredLocked()
	if len(c.entries) > c.maxEntries {
		c.dropOldestLocked()
	}
	return nil
}

func (c *MemoryCache) TTL() time.Duration {
	return c.ttl
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RunJanitor calls Evict every interval until ctx is done.
func (c *MemoryCache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := c.Len()
			_ = c.Evict(ctx)
			if removed := before - c.Len(); removed > 0 {
				c.logger.Debug("score cache swept", map[string]interface{}{
					"removed":   removed,
					"remaining": before - removed,
				})
			}
		}
	}
}

func (c *MemoryCache) expired(e *entry) bool {
	return c.now().Sub(e.storedAt) >= c.ttl
}

func (c *MemoryCache) index(id string, k pairKey) {
	set, ok := c.byProfile[id]
	if !ok {
		set = make(map[pairKey]struct{})
		c.byProfile[id] = set
	}
	set[k] = struct{}{}
}

func (c *MemoryCache) removeLocked(k pairKey) {
	if _, ok := c.entries[k]; !ok {
		return
	}
	delete(c.entries, k)
	for _, id := range []string{k.lo, k.hi} {
		if set, ok := c.byProfile[id]; ok {
			delete(set, k)
			if len(set) == 0 {
				delete(c.byProfile, id)
			}
		}
	}
}

func (c *MemoryCache) dropExpiredLocked() {
	for k, e := range c.entries {
		if c.expired(e) {
			c.removeLocked(k)
			metrics.CacheEvictions.Inc()
		}
	}
}

// dropOldestLocked removes the oldest fifth of the entries, and at least
// enough to get back under capacity.
func (c *MemoryCache) dropOldestLocked() {
	n := int(float64(len(c.entries)) * evictFraction)
	if over := len(c.entries) - c.maxEntries; over > n {
		n = over
	}
	if n < 1 {
		n = 1
	}

	type aged struct {
		key pairKey
		seq uint64
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, seq: e.seq})
	}
	slices.SortFunc(all, func(a, b aged) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	for _, a := range all[:min(n, len(all))] {
		c.removeLocked(a.key)
	}
	metrics.CacheEvictions.Add(float64(n))
}

func copyBreakdown(b matching.MatchBreakdown) matching.MatchBreakdown {
	if b.Degraded != nil {
		b.Degraded = append([]matching.Field(nil), b.Degraded...)
	}
	return b
}
