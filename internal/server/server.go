// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/redis/go-redis/v9"

	"github.com/sndlabs/snd/internal/anomaly"
	"github.com/sndlabs/snd/internal/circuitbreaker"
	"github.com/sndlabs/snd/internal/config"
	"github.com/sndlabs/snd/internal/health"
	"github.com/sndlabs/snd/internal/idgen"
	"github.com/sndlabs/snd/internal/logging"
	"github.com/sndlabs/snd/internal/metrics"
	"github.com/sndlabs/snd/internal/ratelimit"
	"github.com/sndlabs/snd/internal/risk"
	"github.com/sndlabs/snd/internal/security"
	"github.com/sndlabs/snd/internal/validation"
	"github.com/sndlabs/snd/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        risk.Store
	scorer       risk.AnomalyScorer
	engine       *risk.Engine
	health       *health.Registry
	limiter      ratelimit.Backend
	rateLimiter  *ratelimit.Limiter // nil when Redis backs the limiter
	redis        *redis.Client
	db           *sql.DB // nil for the memory store
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	now          func() time.Time
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore injects an event store instead of opening one from config.
func WithStore(store risk.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithScorer injects an anomaly scorer instead of loading one from config.
func WithScorer(scorer risk.AnomalyScorer) Option {
	return func(s *Server) {
		s.scorer = scorer
	}
}

// WithClock overrides the engine's wall clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	if s.store == nil {
		store, err := s.openStore(ctx)
		if err != nil {
			return nil, err
		}
		s.store = store
	}

	if s.scorer == nil {
		scorer, err := s.openScorer()
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.scorer = scorer
	}

	weights := risk.Weights{AI: cfg.AIWeight, Rules: cfg.RulesWeight}
	if weights == (risk.Weights{}) {
		weights = risk.DefaultWeights
	}
	if err := weights.Validate(); err != nil {
		s.closeDB()
		return nil, err
	}

	s.engine = risk.NewEngine(s.store, risk.NewAnomalyAdapter(s.scorer), risk.Config{
		Weights:           weights,
		PersistMaxRisk:    cfg.PersistMaxRisk,
		LowRiskThreshold:  cfg.LowRiskThreshold,
		SensitiveServices: cfg.SensitiveServices,
		WeekendDays:       cfg.WeekendDays,
		StoreTimeout:      cfg.StoreTimeout,
	}).WithLogger(s.logger)
	if s.now != nil {
		s.engine.WithClock(s.now)
	}

	s.health = health.NewRegistry()
	s.health.Register("store", health.PingCheck("store", s.store))
	s.health.Register("scorer", s.scorerCheck())

	if err := s.setupRateLimiter(); err != nil {
		s.closeDB()
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStore opens the configured event store and applies its migrations.
func (s *Server) openStore(ctx context.Context) (risk.Store, error) {
	switch s.cfg.StoreDriver {
	case config.DriverMemory, "":
		s.logger.Warn("using in-memory event store; history is lost on restart")
		return risk.NewMemoryStore(), nil

	case config.DriverSQLite:
		db, err := sql.Open(migrations.DriverSQLite, s.cfg.SQLitePath+"?_busy_timeout=5000&_journal_mode=WAL")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// SQLite serializes writers.
		db.SetMaxOpenConns(1)
		store := risk.NewSQLiteStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
		}
		s.db = db
		s.logger.Info("using SQLite event store", "path", s.cfg.SQLitePath)
		return store, nil

	case config.DriverPostgres:
		db, err := sql.Open(migrations.DriverPostgres, s.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := risk.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate postgres store: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL event store", "url", maskDSN(s.cfg.DatabaseURL))
		return store, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", s.cfg.StoreDriver)
}

// openScorer loads the local forest when MODEL_PATH is set, otherwise
// connects to the remote scorer. A missing model file is fatal.
func (s *Server) openScorer() (risk.AnomalyScorer, error) {
	if s.cfg.ModelPath != "" {
		forest, err := anomaly.LoadForest(s.cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load anomaly model: %w", err)
		}
		s.logger.Info("anomaly model loaded",
			"path", s.cfg.ModelPath,
			"trees", len(forest.Trees),
			"feature_version", risk.FeatureVectorVersion,
		)
		return forest, nil
	}
	if s.cfg.ScorerURL != "" {
		breaker := circuitbreaker.New(5, 30*time.Second)
		breaker.OnTransition(func(endpoint string, from, to circuitbreaker.State) {
			s.logger.Warn("scorer circuit state changed", "from", from.String(), "to", to.String())
		})
		s.logger.Info("using remote anomaly scorer", "url", s.cfg.ScorerURL)
		return anomaly.NewHTTPScorer(s.cfg.ScorerURL, s.cfg.ScorerTimeout, breaker), nil
	}
	return nil, errors.New("no anomaly scorer configured: set MODEL_PATH or SCORER_URL")
}

// scorerCheck reports a remote scorer as unhealthy while its circuit is
// open. A local forest is always healthy once loaded.
func (s *Server) scorerCheck() health.Checker {
	return func(context.Context) health.Status {
		if hs, ok := s.scorer.(*anomaly.HTTPScorer); ok {
			if st := hs.State(); st == circuitbreaker.StateOpen {
				return health.Status{Name: "scorer", Healthy: false, Detail: "circuit " + st.String()}
			}
		}
		return health.Status{Name: "scorer", Healthy: true}
	}
}

func (s *Server) setupRateLimiter() error {
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.RateLimitBurst > 0 {
		rlCfg.BurstSize = s.cfg.RateLimitBurst
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		s.limiter = ratelimit.NewRedis(s.redis, rlCfg)
		s.health.Register("redis", health.PingCheck("redis", redisPinger{s.redis}))
		s.logger.Info("using Redis rate limiter", "addr", opts.Addr)
		return nil
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.limiter = s.rateLimiter
	return nil
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(ratelimit.Middleware(s.limiter, s.logger))
	risk.NewHandler(s.engine, risk.NewNormalizer(s.cfg.Timezone)).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such endpoint"})
	})
}

// readinessHandler reports ready once Run has started and every dependency
// check passes.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Handler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"store", s.cfg.StoreDriver,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	s.closeDB()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
	s.db = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
