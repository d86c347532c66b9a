package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAllower counts admitted requests per key without a Redis server.
type fakeAllower struct {
	used  map[string]int
	reset []string
	err   error
}

func newFakeAllower() *fakeAllower {
	return &fakeAllower{used: map[string]int{}}
}

func (f *fakeAllower) Allow(_ context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.used[key] >= limit.Burst {
		return &redis_rate.Result{Limit: limit, Allowed: 0, Remaining: 0, RetryAfter: 3 * time.Second}, nil
	}
	f.used[key]++
	return &redis_rate.Result{Limit: limit, Allowed: 1, Remaining: limit.Burst - f.used[key], RetryAfter: -1}, nil
}

func (f *fakeAllower) Reset(_ context.Context, key string) error {
	f.reset = append(f.reset, key)
	delete(f.used, key)
	return nil
}

func newTestRedisLimiter(f *fakeAllower, policy config.RateLimitPolicy) *RedisRateLimiter {
	return &RedisRateLimiter{
		name:    PublishLimiter,
		limit:   redisLimit(policy),
		limiter: f,
		keys: func(_ context.Context, match string) ([]string, error) {
			var keys []string
			for k := range f.used {
				keys = append(keys, redisRatePrefix+k)
			}
			return keys, nil
		},
	}
}

func TestRedisLimit(t *testing.T) {
	l := redisLimit(config.RateLimitPolicy{RequestsPerMinute: 10, Burst: 5})
	assert.Equal(t, redis_rate.Limit{Rate: 10, Burst: 5, Period: time.Minute}, l)

	l = redisLimit(config.RateLimitPolicy{RequestsPerMinute: 10})
	assert.Equal(t, 10, l.Burst, "burst defaults to the rate")
}

func TestRedisRateLimiter_AdmitAndReject(t *testing.T) {
	f := newFakeAllower()
	l := newTestRedisLimiter(f, config.RateLimitPolicy{RequestsPerMinute: 10, Burst: 2})

	ctx := context.Background()
	d := l.Admit(ctx, "user:alice")
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, 10, d.Limit)

	require.True(t, l.Admit(ctx, "user:alice").Allowed)

	d = l.Admit(ctx, "user:alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, 3*time.Second, d.RetryAfter)

	assert.Equal(t, 2, f.used["publish:user:alice"], "bucket is namespaced by limiter name")
}

func TestRedisRateLimiter_FailsOpen(t *testing.T) {
	f := newFakeAllower()
	f.err = errors.New("dial tcp: connection refused")
	l := newTestRedisLimiter(f, config.RateLimitPolicy{RequestsPerMinute: 1, Burst: 1})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Admit(context.Background(), "ip:10.0.0.1").Allowed)
	}
}

func TestRedisRateLimiter_Clear(t *testing.T) {
	f := newFakeAllower()
	l := newTestRedisLimiter(f, config.RateLimitPolicy{RequestsPerMinute: 1, Burst: 1})
	ctx := context.Background()

	l.Admit(ctx, "ip:10.0.0.1")
	require.False(t, l.Admit(ctx, "ip:10.0.0.1").Allowed)

	l.Clear()

	assert.Equal(t, []string{"publish:ip:10.0.0.1"}, f.reset, "reset receives keys without the redis_rate prefix")
	assert.True(t, l.Admit(ctx, "ip:10.0.0.1").Allowed)
}

func TestRedisRateLimiter_Name(t *testing.T) {
	l := newTestRedisLimiter(newFakeAllower(), config.RateLimitPolicy{RequestsPerMinute: 1})
	assert.Equal(t, PublishLimiter, l.Name())
	l.Stop()
}

var _ Limiter = (*RedisRateLimiter)(nil)
var _ Limiter = (*RateLimiter)(nil)
