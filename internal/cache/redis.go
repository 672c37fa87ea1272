// Package cache provides a Redis-backed cache of per-cycle usage sums.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/kamilpajak/pagewise/internal/billing"
)

// DefaultUsageTTL bounds how stale a cached sum can be if an invalidation is lost.
const DefaultUsageTTL = 30 * time.Second

// UsageCache implements billing.UsageCache on Redis.
type UsageCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to the Redis server at redisURL.
func New(ctx context.Context, redisURL string, ttl time.Duration) (*UsageCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	opts.PoolTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client. A non-positive ttl uses DefaultUsageTTL.
func NewWithClient(client *redis.Client, ttl time.Duration) *UsageCache {
	if ttl <= 0 {
		ttl = DefaultUsageTTL
	}
	return &UsageCache{client: client, ttl: ttl}
}

// generationTTL outlives any in-flight read by a wide margin. Expiry resets
// the generation to zero, which only matters if a reader spans it.
const generationTTL = 24 * time.Hour

func usageKey(accountID uuid.UUID, cycle billing.Cycle) string {
	return fmt.Sprintf("usage:%s:%d:%d", accountID, cycle.Start.Unix(), cycle.End.Unix())
}

func generationKey(accountID uuid.UUID, cycle billing.Cycle) string {
	return usageKey(accountID, cycle) + ":gen"
}

// setIfGeneration stores ARGV[2] under KEYS[1] only while KEYS[2] still holds ARGV[1].
var setIfGeneration = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// GetUsage returns the cached sum. On a miss ok is false and gen is the
// cycle's current generation.
func (c *UsageCache) GetUsage(ctx context.Context, accountID uuid.UUID, cycle billing.Cycle) (int, int64, bool, error) {
	key := usageKey(accountID, cycle)

	values, err := c.client.MGet(ctx, key, generationKey(accountID, cycle)).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("redis get failed: %w", err)
	}

	var gen int64
	if raw, ok := values[1].(string); ok {
		gen, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, false, fmt.Errorf("invalid usage generation %q: %w", raw, err)
		}
	}

	data, ok := values[0].(string)
	if !ok {
		return 0, gen, false, nil
	}

	used, err := strconv.Atoi(data)
	if err != nil {
		// Corrupt entry; drop it so the next read repopulates.
		c.client.Del(ctx, key)
		return 0, 0, false, fmt.Errorf("invalid cached usage %q: %w", data, err)
	}
	return used, gen, true, nil
}

// SetUsage stores the sum with the cache TTL unless an invalidation moved the
// generation past gen.
func (c *UsageCache) SetUsage(ctx context.Context, accountID uuid.UUID, cycle billing.Cycle, used int, gen int64) error {
	keys := []string{usageKey(accountID, cycle), generationKey(accountID, cycle)}
	err := setIfGeneration.Run(ctx, c.client, keys, strconv.FormatInt(gen, 10), used, c.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// InvalidateUsage advances the generation and removes the cached sum.
func (c *UsageCache) InvalidateUsage(ctx context.Context, accountID uuid.UUID, cycle billing.Cycle) error {
	gen := generationKey(accountID, cycle)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, gen)
		pipe.Expire(ctx, gen, generationTTL)
		pipe.Del(ctx, usageKey(accountID, cycle))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *UsageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *UsageCache) Close() error {
	return c.client.Close()
}

var _ billing.UsageCache = (*UsageCache)(nil)
