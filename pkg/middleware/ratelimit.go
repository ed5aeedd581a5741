package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/contextkeys"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// DefaultLoginRateLimitConfig allows 10 login attempts per minute per address
func DefaultLoginRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	def := DefaultLoginRateLimitConfig()
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = def.RequestsPerWindow
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = def.WindowDuration
	}
	return c
}

// Limiter decides whether another request for key is allowed. When it is
// not, retryAfter says when to try again.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimiter is an in-memory token bucket limiter for a single instance
type RateLimiter struct {
	config  RateLimitConfig
	clock   clockwork.Clock
	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  config.withDefaults(),
		clock:   clockwork.NewRealClock(),
		buckets: make(map[string]*bucket),
	}
}

// WithClock replaces the limiter clock
func (rl *RateLimiter) WithClock(clock clockwork.Clock) *RateLimiter {
	rl.clock = clock
	return rl
}


// Allow takes a token from key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	capacity := float64(rl.config.RequestsPerWindow)
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastUpdate: now}
		rl.buckets[key] = b
	}

	refill := float64(now.Sub(b.lastUpdate)) * capacity / float64(rl.config.WindowDuration)
	b.tokens = math.Min(capacity, b.tokens+refill)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}
	wait := time.Duration((1 - b.tokens) * float64(rl.config.WindowDuration) / capacity)
	return false, wait, nil
}

// Cleanup removes buckets that have been full for a whole window
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := rl.clock.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimit limits requests per client address. Limiter errors fail open.
func RateLimit(limiter Limiter, scope string, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := contextkeys.GetClientIP(r.Context())
			if ip == "" {
				ip = auth.ClientIP(r)
			}

			allowed, retryAfter, err := limiter.Allow(r.Context(), scope+":"+ip)
			if err != nil {
				logger.WithError(err).WithField("scope", scope).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				httputil.WriteTooManyRequests(w, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
