package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ffcertificate/scheduler/internal/platform/auth"
)

// RateLimitConfig throttles write endpoints such as booking and cancelling.
type RateLimitConfig struct {
	// PerMinute is the sustained number of requests per caller.
	PerMinute int
	Burst     int
	// IdleTTL drops buckets not touched for this long.
	IdleTTL time.Duration
	Now     func() time.Time
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{PerMinute: 10, Burst: 5, IdleTTL: 10 * time.Minute}
}

// tokenBucket refills continuously at rate tokens per second up to max.
type tokenBucket struct {
	tokens   float64
	max      float64
	rate     float64
	lastSeen time.Time
}

func (b *tokenBucket) take(now time.Time) (bool, time.Duration) {
	b.tokens += now.Sub(b.lastSeen).Seconds() * b.rate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.lastSeen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
	return false, wait
}

type limiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	cfg     RateLimitConfig
	swept   time.Time
}

func (l *limiter) allow(key string) (bool, time.Duration) {
	now := l.cfg.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.cfg.IdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{
			tokens:   float64(l.cfg.Burst),
			max:      float64(l.cfg.Burst),
			rate:     float64(l.cfg.PerMinute) / 60,
			lastSeen: now,
		}
		l.buckets[key] = b
	}
	return b.take(now)
}

// RateLimit limits each caller, keyed by user ID when authenticated and by
// client IP otherwise.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultRateLimitConfig().PerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	l := &limiter{buckets: map[string]*tokenBucket{}, cfg: cfg, swept: cfg.Now()}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid, ok := auth.UserIDFromContext(c.Request().Context()); ok {
				key = "user:" + strconv.FormatInt(uid, 10)
			}

			ok, wait := l.allow(key)
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.PerMinute))
			if !ok {
				secs := int(wait.Seconds()) + 1
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests, try again later")
			}
			return next(c)
		}
	}
}
