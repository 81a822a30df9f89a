package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ffcertificate/scheduler/internal/platform/auth"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func limitedHandler(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func call(e *echo.Echo, h echo.HandlerFunc, ip string, ctx context.Context) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/calendars/x/appointments", nil)
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	h := limitedHandler(RateLimitConfig{PerMinute: 6, Burst: 2, Now: clock.now})
	e := echo.New()

	for i := 0; i < 2; i++ {
		rec, err := call(e, h, "10.0.0.1", nil)
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "6" {
			t.Errorf("request %d: expected X-RateLimit-Limit 6, got %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec, err := call(e, h, "10.0.0.1", nil)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if got := rec.Header().Get("Retry-After"); got != "11" {
		t.Errorf("expected Retry-After 11, got %q", got)
	}

	// One token every 10s.
	clock.t = clock.t.Add(10 * time.Second)
	if _, err := call(e, h, "10.0.0.1", nil); err != nil {
		t.Fatalf("expected refill after 10s, got %v", err)
	}
}

func TestRateLimit_KeysAreIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	h := limitedHandler(RateLimitConfig{PerMinute: 1, Burst: 1, Now: clock.now})
	e := echo.New()

	if _, err := call(e, h, "10.0.0.1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := call(e, h, "10.0.0.2", nil); err != nil {
		t.Fatalf("second IP should have its own bucket: %v", err)
	}

	// Same IP, but authenticated: keyed by user.
	ctx := auth.WithUser(context.Background(), 5, nil)
	if _, err := call(e, h, "10.0.0.1", ctx); err != nil {
		t.Fatalf("user bucket should be separate from IP bucket: %v", err)
	}
	if _, err := call(e, h, "10.0.0.3", ctx); err == nil {
		t.Fatal("user should be limited across IPs")
	}
}

func TestRateLimit_SweepsIdleBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := &limiter{
		buckets: map[string]*tokenBucket{},
		cfg:     RateLimitConfig{PerMinute: 1, Burst: 1, IdleTTL: time.Minute, Now: clock.now},
		swept:   clock.t,
	}
	l.allow("a")
	clock.t = clock.t.Add(2 * time.Minute)
	l.allow("b")
	if _, ok := l.buckets["a"]; ok {
		t.Error("expected idle bucket to be swept")
	}
	if len(l.buckets) != 1 {
		t.Errorf("expected 1 bucket, got %d", len(l.buckets))
	}
}
