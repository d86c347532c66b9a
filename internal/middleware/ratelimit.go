// ratelimit.go provides Gin middleware that enforces per-client token-bucket rate limits,
// returning 429 responses when a limiter rejects a request.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/telemetry"
)

// Limiter names, used as the metrics label.
const (
	PublishLimiter = "publish"
	GeneralLimiter = "general"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects requests per key. A rejected request does not
// consume budget.
type Limiter interface {
	Name() string
	Admit(ctx context.Context, key string) Decision
	// Clear resets every counter. Test harnesses use it between cases.
	Clear()
	Stop()
}

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained refill rate
	RequestsPerMinute int
	// BurstSize is the bucket capacity
	BurstSize int
	// CleanupInterval is how often idle entries are dropped
	CleanupInterval time.Duration
}

// PolicyConfig converts a configured policy into a limiter config.
func PolicyConfig(p config.RateLimitPolicy) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: p.RequestsPerMinute,
		BurstSize:         p.Burst,
		CleanupInterval:   5 * time.Minute,
	}
}

// rateLimitEntry tracks the bucket for a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements an in-process token bucket limiter
type RateLimiter struct {
	name     string
	config   RateLimitConfig
	entries  map[string]*rateLimitEntry
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(name string, config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		name:    name,
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically removes idle entries
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, entry := range rl.entries {
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Name returns the limiter name.
func (rl *RateLimiter) Name() string { return rl.name }

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Clear drops every bucket.
func (rl *RateLimiter) Clear() {
	rl.mu.Lock()
	rl.entries = make(map[string]*rateLimitEntry)
	rl.mu.Unlock()
}

// Allow reports whether a request from key should be admitted.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.Admit(context.Background(), key).Allowed
}

// Admit refills the key's bucket for the elapsed time and takes one token if
// one is available.
func (rl *RateLimiter) Admit(_ context.Context, key string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, exists := rl.entries[key]
	if !exists {
		entry = &rateLimitEntry{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.entries[key] = entry
	}

	entry.tokens = min(float64(rl.config.BurstSize), entry.tokens+now.Sub(entry.lastUpdate).Seconds()*rl.perSecond())
	entry.lastUpdate = now

	d := Decision{Limit: rl.config.RequestsPerMinute}
	if entry.tokens >= 1 {
		entry.tokens--
		d.Allowed = true
		d.Remaining = int(entry.tokens)
		return d
	}

	d.RetryAfter = time.Duration((1 - entry.tokens) / rl.perSecond() * float64(time.Second))
	return d
}

// RemainingTokens returns how many tokens are left for a key
func (rl *RateLimiter) RemainingTokens(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.entries[key]
	if !exists {
		return rl.config.BurstSize
	}
	current := min(float64(rl.config.BurstSize), entry.tokens+rl.now().Sub(entry.lastUpdate).Seconds()*rl.perSecond())
	return int(current)
}

func (rl *RateLimiter) perSecond() float64 {
	return float64(rl.config.RequestsPerMinute) / 60.0
}

// RateLimitMiddleware rejects requests the limiter does not admit with 429.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := limiter.Admit(c.Request.Context(), getRateLimitKey(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retry := retryAfterSeconds(d.RetryAfter)
			telemetry.RateLimitRejectionsTotal.WithLabelValues(limiter.Name()).Inc()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"code":        "RATE_LIMITED",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// getRateLimitKey keys authenticated callers by username and anonymous callers
// by client IP.
func getRateLimitKey(c *gin.Context) string {
	if v, ok := c.Get(UsernameKey); ok {
		if username, ok := v.(string); ok && username != "" {
			return "user:" + username
		}
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
