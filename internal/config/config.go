// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Event store
	StoreDriver  string
	DatabaseURL  string
	SQLitePath   string
	StoreTimeout time.Duration

	// Anomaly scorer: a local forest file or a remote model server
	ModelPath     string
	ScorerURL     string
	ScorerTimeout time.Duration

	// Scoring
	AIWeight          float64
	RulesWeight       float64
	PersistMaxRisk    float64
	LowRiskThreshold  float64
	SensitiveServices []string
	WeekendDays       []time.Weekday
	Timezone          *time.Location

	// Rate limiting (per client IP)
	RedisURL       string // shared limiter when set, in-memory otherwise
	RateLimitRPM   int
	RateLimitBurst int

	// Browser access for the dashboard feed
	CORSOrigins []string

	// Tracing
	OTelEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultStoreDriver      = DriverSQLite
	DefaultSQLitePath       = "risk_events.db"
	DefaultStoreTimeout     = 2 * time.Second
	DefaultScorerTimeout    = 500 * time.Millisecond
	DefaultAIWeight         = 0.55
	DefaultRulesWeight      = 0.45
	DefaultPersistMaxRisk   = 95
	DefaultLowRiskThreshold = 35
	DefaultTimezone         = "UTC"
	DefaultRateLimitRPM     = 600
	DefaultRateLimitBurst   = 50
)

// DefaultSensitiveServices mirrors the engine's built-in list.
var DefaultSensitiveServices = []string{
	"reset_password",
	"change_password",
	"change_mobile",
	"change_email",
	"update_bank_account",
	"transfer_funds",
	"delete_account",
}

// DefaultWeekendDays is Friday and Saturday.
var DefaultWeekendDays = []time.Weekday{time.Friday, time.Saturday}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		StoreDriver:       strings.ToLower(getEnv("STORE_DRIVER", DefaultStoreDriver)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        getEnv("SQLITE_PATH", DefaultSQLitePath),
		ModelPath:         os.Getenv("MODEL_PATH"),
		ScorerURL:         os.Getenv("SCORER_URL"),
		SensitiveServices: lower(getEnvList("SENSITIVE_SERVICES", DefaultSensitiveServices)),
		CORSOrigins:       getEnvList("CORS_ALLOWED_ORIGINS", nil),
		RedisURL:          os.Getenv("REDIS_URL"),
		OTelEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	cfg.StoreTimeout, err = getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout)
	collect(err)
	cfg.ScorerTimeout, err = getEnvDuration("SCORER_TIMEOUT", DefaultScorerTimeout)
	collect(err)
	cfg.AIWeight, err = getEnvFloat("AI_WEIGHT", DefaultAIWeight)
	collect(err)
	cfg.RulesWeight, err = getEnvFloat("RULES_WEIGHT", DefaultRulesWeight)
	collect(err)
	cfg.PersistMaxRisk, err = getEnvFloat("PERSIST_MAX_RISK", DefaultPersistMaxRisk)
	collect(err)
	cfg.LowRiskThreshold, err = getEnvFloat("LOW_RISK_THRESHOLD", DefaultLowRiskThreshold)
	collect(err)
	cfg.RateLimitRPM, err = getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM)
	collect(err)
	cfg.RateLimitBurst, err = getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst)
	collect(err)
	cfg.WeekendDays, err = ParseWeekdays(getEnv("WEEKEND_DAYS", ""))
	collect(err)
	if len(cfg.WeekendDays) == 0 && err == nil {
		cfg.WeekendDays = DefaultWeekendDays
	}
	cfg.Timezone, err = time.LoadLocation(getEnv("DEFAULT_TIMEZONE", DefaultTimezone))
	if err != nil {
		collect(fmt.Errorf("DEFAULT_TIMEZONE: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres (got %q)", c.StoreDriver)
	}

	if c.ModelPath == "" && c.ScorerURL == "" {
		return fmt.Errorf("MODEL_PATH or SCORER_URL is required")
	}

	if c.AIWeight < 0 || c.RulesWeight < 0 {
		return fmt.Errorf("AI_WEIGHT and RULES_WEIGHT must be non-negative")
	}
	if math.Abs(c.AIWeight+c.RulesWeight-1) > 1e-9 {
		return fmt.Errorf("AI_WEIGHT + RULES_WEIGHT must equal 1 (got %g)", c.AIWeight+c.RulesWeight)
	}

	if !inScoreRange(c.PersistMaxRisk) {
		return fmt.Errorf("PERSIST_MAX_RISK must be within [0,100]")
	}
	if !inScoreRange(c.LowRiskThreshold) {
		return fmt.Errorf("LOW_RISK_THRESHOLD must be within [0,100]")
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be non-negative")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays parses a comma-separated list of day names ("fri,sat").
// An empty string yields nil.
func ParseWeekdays(s string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		d, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("WEEKEND_DAYS: unknown day %q", part)
		}
		days = append(days, d)
	}
	return days, nil
}

func inScoreRange(v float64) bool {
	return v >= 0 && v <= 100
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lower(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}
