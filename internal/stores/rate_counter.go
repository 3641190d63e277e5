package stores

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/gatekeeper/internal/cache"
)

// RateCounter is a fixed-window counter: the window starts at the first increment
type RateCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, keys ...string) error
}

// RedisRateCounter implements RateCounter with INCR and EXPIRE
type RedisRateCounter struct {
	cache *cache.Cache
}

func NewRedisRateCounter(c *cache.Cache) *RedisRateCounter {
	return &RedisRateCounter{cache: c}
}

func (r *RedisRateCounter) key(name string) string {
	return r.cache.Key("rate", name)
}

// Increment bumps the counter and returns the new value.
// The TTL is only set by the first hit so the window never slides.
func (r *RedisRateCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := r.key(key)

	count, err := r.cache.Client.Incr(ctx, k).Result()
	if err != nil {
		return 0, mapRedisError("incr", err)
	}

	if count == 1 {
		if err := r.cache.Client.Expire(ctx, k, window).Err(); err != nil {
			return 0, mapRedisError("expire", err)
		}
	}

	return count, nil
}

// Count reads the current window, zero when no window is open
func (r *RedisRateCounter) Count(ctx context.Context, key string) (int64, error) {
	count, err := r.cache.Client.Get(ctx, r.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, mapRedisError("get", err)
	}
	return count, nil
}

func (r *RedisRateCounter) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return mapRedisError("del", r.cache.Client.Del(ctx, full...).Err())
}
