// Package circuitbreaker guards calls to remote dependencies, such as a
// remote anomaly scorer, with closed → open → half-open state per endpoint.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for an endpoint is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls fail fast
	StateHalfOpen              // one probe in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "snd",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by endpoint, from-state, and to-state.",
}, []string{"endpoint", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per endpoint and trips open at the
// threshold. After the cooldown one probe call is let through.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(endpoint string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for cooldown before probing.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for cooldowns.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition sets a callback invoked synchronously on state changes.
// The callback must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(endpoint string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Do runs fn unless the circuit for endpoint is open, and records the
// outcome. It returns ErrOpen without calling fn when the circuit is open.
func (b *Breaker) Do(endpoint string, fn func() error) error {
	if !b.Allow(endpoint) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(endpoint)
		return err
	}
	b.RecordSuccess(endpoint)
	return nil
}

// Allow reports whether a call to endpoint may proceed. An open circuit
// past its cooldown moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			b.transition(c, endpoint, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.transition(c, endpoint, StateClosed)
	}
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[endpoint]
	if !ok {
		c = &circuit{}
		b.circuits[endpoint] = c
	}
	c.failures++

	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.transition(c, endpoint, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.transition(c, endpoint, StateOpen)
	}
}

// State returns the current state for endpoint. Unknown endpoints are closed.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[endpoint]; ok {
		return c.state
	}
	return StateClosed
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(c *circuit, endpoint string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(endpoint, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(endpoint, from, to)
	}
}
