// Package metrics provides Prometheus instrumentation for the SND risk engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snd"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts final decisions.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total scored events by final decision.",
		},
		[]string{"decision"},
	)

	// RiskScore observes final risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Distribution of final risk scores.",
		Buckets:   []float64{10, 20, 25, 30, 40, 50, 60, 70, 80, 90, 95, 100},
	})

	// GateOutcomesTotal counts store gate results (persisted or dropped).
	GateOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_outcomes_total",
			Help:      "Store gate outcomes for scored events.",
		},
		[]string{"outcome"},
	)

	// PoliciesFiredTotal counts cascade overrides by policy.
	PoliciesFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policies_fired_total",
			Help:      "Decision cascade policies that fired, by policy name.",
		},
		[]string{"policy"},
	)

	// ScorerDuration observes anomaly scorer latency.
	ScorerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scorer_duration_seconds",
		Help:      "Anomaly scorer inference latency in seconds.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ScoringErrorsTotal counts failed scoring requests by kind
	// (validation, store, scorer).
	ScoringErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_errors_total",
			Help:      "Failed scoring requests by error kind.",
		},
		[]string{"kind"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		RiskScore,
		GateOutcomesTotal,
		PoliciesFiredTotal,
		ScorerDuration,
		ScoringErrorsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveDecision records the outcome of one scored event.
func ObserveDecision(decision string, score float64, persisted bool, policies []string) {
	DecisionsTotal.WithLabelValues(decision).Inc()
	RiskScore.Observe(score)
	if persisted {
		GateOutcomesTotal.WithLabelValues("persisted").Inc()
	} else {
		GateOutcomesTotal.WithLabelValues("dropped").Inc()
	}
	for _, p := range policies {
		PoliciesFiredTotal.WithLabelValues(p).Inc()
	}
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleDBStats(db)
		}
	}
}

func sampleDBStats(db *sql.DB) {
	stats := db.Stats()
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBIdleConnections.Set(float64(stats.Idle))
	DBInUseConnections.Set(float64(stats.InUse))
	DBWaitCount.Set(float64(stats.WaitCount))
	DBWaitDuration.Set(stats.WaitDuration.Seconds())
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, keeps user IDs out of labels
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
