// Package ratelimit provides per-client rate limiting middleware for the
// scoring API, backed by an in-process token bucket or a shared Redis window.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per client per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit (memory backend only)
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

// Backend decides whether the next request for key may proceed.
type Backend interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Limiter is an in-memory token bucket per key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new in-memory limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(2 * time.Minute)
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evict(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	for key, state := range l.clients {
		if state.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow implements Backend. It never fails.
func (l *Limiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return l.cfg.BurstSize > 0, nil
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state.tokens += elapsed * tokensPerSecond

	// Cap at burst size
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, nil
	}

	return false, nil
}

// Middleware returns a Gin middleware that rate limits by client IP. Backend
// errors fail open and are logged.
func Middleware(b Backend, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()

		allowed, err := b.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}

		if !allowed {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
