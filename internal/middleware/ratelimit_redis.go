// ratelimit_redis.go provides a Limiter backed by Redis so several registry
// instances share one budget per key.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/redis/go-redis/v9"
)

// redis_rate stores every bucket under this prefix.
const redisRatePrefix = "rate:"

// rateAllower is the subset of *redis_rate.Limiter used here.
type rateAllower interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
	Reset(ctx context.Context, key string) error
}

// RedisRateLimiter is a GCRA limiter stored in Redis. Redis errors fail open:
// an unreachable Redis must not take the registry down with it.
type RedisRateLimiter struct {
	name    string
	limit   redis_rate.Limit
	limiter rateAllower
	// keys lists stored bucket keys matching a glob; used by Clear.
	keys   func(ctx context.Context, match string) ([]string, error)
	client *redis.Client
}

// NewRedisClient opens the client used by the shared limiters.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisRateLimiter creates a limiter named name enforcing policy.
func NewRedisRateLimiter(name string, client *redis.Client, policy config.RateLimitPolicy) *RedisRateLimiter {
	return &RedisRateLimiter{
		name:    name,
		limit:   redisLimit(policy),
		limiter: redis_rate.NewLimiter(client),
		keys:    scanKeys(client),
		client:  client,
	}
}

func redisLimit(policy config.RateLimitPolicy) redis_rate.Limit {
	burst := policy.Burst
	if burst <= 0 {
		burst = policy.RequestsPerMinute
	}
	return redis_rate.Limit{
		Rate:   policy.RequestsPerMinute,
		Burst:  burst,
		Period: time.Minute,
	}
}

func scanKeys(client *redis.Client) func(ctx context.Context, match string) ([]string, error) {
	return func(ctx context.Context, match string) ([]string, error) {
		var keys []string
		iter := client.Scan(ctx, 0, match, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan rate limit keys: %w", err)
		}
		return keys, nil
	}
}

// Name returns the limiter name.
func (l *RedisRateLimiter) Name() string { return l.name }

func (l *RedisRateLimiter) bucket(key string) string {
	return l.name + ":" + key
}

// Admit asks Redis for one token. redis_rate does not charge rejected calls.
func (l *RedisRateLimiter) Admit(ctx context.Context, key string) Decision {
	res, err := l.limiter.Allow(ctx, l.bucket(key), l.limit)
	if err != nil {
		slog.Warn("rate limiter unavailable, admitting request", "limiter", l.name, "error", err)
		return Decision{Allowed: true, Limit: l.limit.Rate}
	}

	d := Decision{
		Allowed:   res.Allowed > 0,
		Limit:     l.limit.Rate,
		Remaining: res.Remaining,
	}
	if !d.Allowed {
		d.RetryAfter = res.RetryAfter
	}
	return d
}

// Clear deletes every bucket owned by this limiter.
func (l *RedisRateLimiter) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	keys, err := l.keys(ctx, redisRatePrefix+l.name+":*")
	if err != nil {
		slog.Warn("failed to list rate limit keys", "limiter", l.name, "error", err)
		return
	}
	for _, k := range keys {
		if err := l.limiter.Reset(ctx, strings.TrimPrefix(k, redisRatePrefix)); err != nil {
			slog.Warn("failed to reset rate limit key", "limiter", l.name, "key", k, "error", err)
		}
	}
}

// Stop is a no-op; the shared client is closed by its owner.
func (l *RedisRateLimiter) Stop() {}
