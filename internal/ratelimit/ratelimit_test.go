package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, "test-ip")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed (within burst)", i)
	}

	ok, _ := l.Allow(ctx, "test-ip")
	assert.False(t, ok, "request after burst should be denied")

	// 60/min refills one token per second.
	clock.t = clock.t.Add(time.Second)
	ok, _ = l.Allow(ctx, "test-ip")
	assert.True(t, ok, "request after refill should be allowed")
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "client-a")
	}
	ok, _ := l.Allow(ctx, "client-a")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "client-b")
	assert.True(t, ok, "client B has its own bucket")
}

func TestLimiterEvict(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 3)
	_, _ = l.Allow(context.Background(), "idle")

	clock.t = clock.t.Add(3 * time.Minute)
	l.evict(2 * time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.clients)
}

func TestLimiterStopIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestRedisLimiter_Window(t *testing.T) {
	rdb, _ := newTestRedis(t)
	now := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)
	l := NewRedis(rdb, Config{RequestsPerMinute: 2})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "ip:1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok, "third request within a minute should be limited")

	ok, err = l.Allow(ctx, "ip:5.6.7.8")
	require.NoError(t, err)
	assert.True(t, ok, "other clients are unaffected")

	now = now.Add(61 * time.Second)
	ok, err = l.Allow(ctx, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok, "window slides forward")
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	rdb, mr := newTestRedis(t)
	mr.Close()

	_, err := NewRedis(rdb, Config{RequestsPerMinute: 1}).Allow(context.Background(), "k")
	assert.Error(t, err)
}

type failingBackend struct{}

func (failingBackend) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, _ := newTestLimiter(t, 60, 1)
	r := gin.New()
	r.Use(Middleware(l, logger))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestMiddleware_FailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := gin.New()
	r.Use(Middleware(failingBackend{}, logger))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
