package scorecache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"matchmaking-workers/internal/matching"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func breakdown(a, b string, total float64) *matching.MatchBreakdown {
	return &matching.MatchBreakdown{ProfileID: a, CandidateID: b, Total: total, AvailableWeight: 1}
}

func TestMemoryCache_SymmetricKey(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(MemoryOptions{})

	x := breakdown("alice", "bob", 72.5)
	require.NoError(t, c.Put(ctx, "alice", "bob", x))

	got, ok, err := c.Get(ctx, "bob", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *x, *got)

	got2, ok, _ := c.Get(ctx, "alice", "bob")
	require.True(t, ok)
	assert.Equal(t, got, got2)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(MemoryOptions{})

	x := breakdown("a", "b", 50)
	x.Degraded = []matching.Field{matching.FieldBio}
	require.NoError(t, c.Put(ctx, "a", "b", x))

	x.Total = 1
	x.Degraded[0] = matching.FieldAge

	got, ok, _ := c.Get(ctx, "a", "b")
	require.True(t, ok)
	assert.Equal(t, 50.0, got.Total)
	assert.Equal(t, []matching.Field{matching.FieldBio}, got.Degraded)

	got.Total = 2
	again, _, _ := c.Get(ctx, "a", "b")
	assert.Equal(t, 50.0, again.Total)
}

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewMemoryCache(MemoryOptions{TTL: 5 * time.Minute, Clock: clock.Now})

	require.NoError(t, c.Put(ctx, "a", "b", breakdown("a", "b", 10)))

	clock.Advance(4*time.Minute + 59*time.Second)
	_, ok, _ := c.Get(ctx, "a", "b")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = c.Get(ctx, "a", "b")
	assert.False(t, ok, "expired entries read as absent")
	assert.Equal(t, 1, c.Len(), "expiry is lazy")

	require.NoError(t, c.Evict(ctx))
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_PutRefreshesTimestamp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewMemoryCache(MemoryOptions{TTL: time.Minute, Clock: clock.Now})

	require.NoError(t, c.Put(ctx, "a", "b", breakdown("a", "b", 10)))
	clock.Advance(50 * time.Second)
	require.NoError(t, c.Put(ctx, "b", "a", breakdown("b", "a", 20)))
	clock.Advance(50 * time.Second)

	got, ok, _ := c.Get(ctx, "a", "b")
	require.True(t, ok)
	assert.Equal(t, 20.0, got.Total)
}

func TestMemoryCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(MemoryOptions{})

	require.NoError(t, c.Put(ctx, "a", "b", breakdown("a", "b", 1)))
	require.NoError(t, c.Put(ctx, "c", "a", breakdown("c", "a", 2)))
	require.NoError(t, c.Put(ctx, "b", "c", breakdown("b", "c", 3)))

	require.NoError(t, c.Invalidate(ctx, "a"))

	_, ok, _ := c.Get(ctx, "b", "a")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "a", "c")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "c", "b")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())

	// unknown ids are fine
	require.NoError(t, c.Invalidate(ctx, "nobody"))

	// the surviving entry is still reachable through its own index
	require.NoError(t, c.Invalidate(ctx, "c"))
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_CapacityEvictsOldestInserts(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(MemoryOptions{MaxEntries: 10})

	for i := 0; i < 11; i++ {
		id := fmt.Sprintf("p%02d", i)
		require.NoError(t, c.Put(ctx, "user", id, breakdown("user", id, float64(i))))
	}

	assert.Equal(t, 9, c.Len())
	for _, gone := range []string{"p00", "p01"} {
		_, ok, _ := c.Get(ctx, "user", gone)
		assert.False(t, ok, gone)
	}
	for _, kept := range []string{"p02", "p10"} {
		_, ok, _ := c.Get(ctx, "user", kept)
		assert.True(t, ok, kept)
	}
}

func TestMemoryCache_CapacityPrefersExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewMemoryCache(MemoryOptions{MaxEntries: 3, TTL: time.Minute, Clock: clock.Now})

	require.NoError(t, c.Put(ctx, "a", "old", breakdown("a", "old", 1)))
	clock.Advance(2 * time.Minute)
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, c.Put(ctx, "a", id, breakdown("a", id, 2)))
	}

	assert.Equal(t, 3, c.Len())
	_, ok, _ := c.Get(ctx, "a", "x")
	assert.True(t, ok)
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(MemoryOptions{MaxEntries: 50})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("c%d", i%40)
				_ = c.Put(ctx, "u", id, breakdown("u", id, float64(w)))
				_, _, _ = c.Get(ctx, id, "u")
				if i%50 == 0 {
					_ = c.Invalidate(ctx, id)
					_ = c.Evict(ctx)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}

func TestMemoryCache_RunJanitor(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryCache(MemoryOptions{TTL: time.Minute, Clock: clock.Now})
	require.NoError(t, c.Put(context.Background(), "a", "b", breakdown("a", "b", 1)))
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
