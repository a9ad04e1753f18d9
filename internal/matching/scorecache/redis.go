package scorecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"matchmaking-workers/internal/matching"

	"github.com/redis/go-redis/v9"
)

const (
	scoreKeyPrefix   = "match:score:"
	profileKeyPrefix = "match:profile:"
)

// RedisCache shares scores between worker replicas. Redis handles expiry, and
// each profile keeps a set of the score keys it appears in so Invalidate can
// find them.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// scoreKey length-prefixes the lower id so ids containing ':' cannot collide.
func scoreKey(a, b string) string {
	k := keyFor(a, b)
	return scoreKeyPrefix + strconv.Itoa(len(k.lo)) + ":" + k.lo + ":" + k.hi
}

func profileKey(id string) string {
	return profileKeyPrefix + id
}

func (c *RedisCache) Get(ctx context.Context, idA, idB string) (*matching.MatchBreakdown, bool, error) {
	data, err := c.client.Get(ctx, scoreKey(idA, idB)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get score: %w", err)
	}

	var b matching.MatchBreakdown
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false, fmt.Errorf("decode cached score: %w", err)
	}
	return &b, true, nil
}

func (c *RedisCache) Put(ctx context.Context, idA, idB string, b *matching.MatchBreakdown) error {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}

	key := scoreKey(idA, idB)
	k := keyFor(idA, idB)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, c.ttl)
		for _, id := range []string{k.lo, k.hi} {
			pipe.SAdd(ctx, profileKey(id), key)
			pipe.Expire(ctx, profileKey(id), c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put score: %w", err)
	}
	return nil
}

// Invalidate deletes every score key indexed under id, then the index itself.
// The partner profiles' index sets may keep stale members; deleting a missing
// key is harmless and the sets expire with their last entry.
func (c *RedisCache) Invalidate(ctx context.Context, id string) error {
	idx := profileKey(id)
	members, err := c.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("redis read profile index: %w", err)
	}

	keys := append(members, idx)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis invalidate profile: %w", err)
	}
	return nil
}

// Evict is a no-op: Redis expires keys itself.
func (c *RedisCache) Evict(context.Context) error {
	return nil
}
