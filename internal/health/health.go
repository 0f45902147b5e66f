// Package health runs named dependency checks (event store, anomaly scorer)
// and serves them as liveness and readiness endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one dependency.
type Checker func(ctx context.Context) Status

// Pinger is anything with a context-aware liveness probe, such as an event
// store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger into a Checker.
func PingCheck(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry using DefaultCheckTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	return r
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and returns the aggregate health
// plus per-dependency results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			s := nc.check(cctx)
			if s.Name == "" {
				s.Name = nc.name
			}
			statuses[i] = s
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Live handles GET /health/live. It only proves the process is serving.
func Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Handler serves GET /health and /health/ready: 200 when every dependency is
// healthy, 503 otherwise.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"checks":    statuses,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
