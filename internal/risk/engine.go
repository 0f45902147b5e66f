package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sndlabs/snd/internal/idgen"
	"github.com/sndlabs/snd/internal/logging"
	"github.com/sndlabs/snd/internal/metrics"
	"github.com/sndlabs/snd/internal/traces"
)

// Recent feed limits.
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// DefaultStoreTimeout bounds each phase of store I/O within a request.
const DefaultStoreTimeout = 2 * time.Second

// Config tunes the engine. Start from DefaultConfig: thresholds are applied
// as given, so a zero PersistMaxRisk or LowRiskThreshold is a real setting.
// Zero Weights, StoreTimeout and empty lists still fall back to the defaults.
type Config struct {
	Weights           Weights
	PersistMaxRisk    float64
	LowRiskThreshold  float64
	SensitiveServices []string
	WeekendDays       []time.Weekday
	StoreTimeout      time.Duration
	Policies          []Policy
}

// DefaultConfig returns the behavior-compatible defaults.
func DefaultConfig() Config {
	return Config{
		Weights:           DefaultWeights,
		PersistMaxRisk:    DefaultPersistMaxRisk,
		LowRiskThreshold:  DefaultLowRiskThreshold,
		SensitiveServices: DefaultSensitiveServices,
		WeekendDays:       DefaultWeekendDays,
		StoreTimeout:      DefaultStoreTimeout,
	}
}

// Engine scores events end to end: aggregate, score, decide, gate, persist.
type Engine struct {
	store        Store
	aggregator   *Aggregator
	anomaly      *AnomalyAdapter
	cascade      *Cascade
	gate         StoreGate
	storeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	marshal      func(any) ([]byte, error)
}

// NewEngine creates a risk engine reading and writing history through store
// and scoring anomalies through anomaly.
func NewEngine(store Store, anomaly *AnomalyAdapter, cfg Config) *Engine {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return &Engine{
		store: store,
		aggregator: NewAggregator(store, AggregatorConfig{
			LowRiskThreshold:  cfg.LowRiskThreshold,
			SensitiveServices: cfg.SensitiveServices,
			WeekendDays:       cfg.WeekendDays,
		}),
		anomaly:      anomaly,
		cascade:      NewCascade(cfg.Weights, cfg.Policies),
		gate:         NewStoreGate(cfg.PersistMaxRisk),
		storeTimeout: cfg.StoreTimeout,
		now:          time.Now,
		logger:       slog.Default(),
		marshal:      json.Marshal,
	}
}

// WithClock overrides the wall clock used for windows and receipt times.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithLogger overrides the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Score evaluates ev against the user's history and conditionally appends
// it to that history. Any store or scorer failure fails the whole request;
// no partial assessment is returned.
func (e *Engine) Score(ctx context.Context, ev Event) (*Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "risk.Score", traces.UserID(ev.UserID), traces.Service(ev.Service))
	defer span.End()

	log := e.logger
	if id := logging.RequestID(ctx); id != "" {
		log = log.With("request_id", id)
	}

	now := e.now()
	fs, err := e.buildFeatures(ctx, ev, now)
	if err != nil {
		return nil, e.fail(span, "store", err)
	}

	var (
		rulesScore float64
		hits       []RuleHit
		raw, ai    float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rulesScore, hits = EvaluateRules(fs)
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		var err error
		raw, ai, err = e.anomaly.Assess(gctx, fs)
		metrics.ScorerDuration.Observe(time.Since(start).Seconds())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, e.fail(span, "scorer", err)
	}

	out := e.cascade.Decide(ai, rulesScore, fs)

	payload := PayloadFor(ev)
	rawPayload, err := e.marshal(payload)
	if err != nil {
		return nil, e.fail(span, "internal", fmt.Errorf("marshal payload: %w", err))
	}

	rec := &Record{
		ID:          idgen.WithPrefix("evt_"),
		Event:       ev,
		TimestampMs: now.UnixMilli(),
		AIRiskScore: ai,
		RulesScore:  rulesScore,
		RiskScore:   out.RiskScore,
		Decision:    out.Decision,
		RawPayload:  string(rawPayload),
	}

	persisted := e.gate.ShouldPersist(out.RiskScore)
	if persisted {
		if err := e.insert(ctx, rec); err != nil {
			return nil, e.fail(span, "store", err)
		}
	} else {
		log.Warn("risk: event withheld from history",
			"user_id", ev.UserID,
			"event_id", rec.ID,
			"risk_score", out.RiskScore,
			"max_risk", e.gate.MaxRisk(),
		)
	}

	metrics.ObserveDecision(string(out.Decision), out.RiskScore, persisted, out.Applied)
	span.SetAttributes(traces.Decision(string(out.Decision)), traces.RiskScore(out.RiskScore), traces.Persisted(persisted))
	log.Debug("risk: event scored",
		"user_id", ev.UserID,
		"service", ev.Service,
		"risk_score", out.RiskScore,
		"ai_risk_score", ai,
		"rules_score", rulesScore,
		"baseline", out.Baseline,
		"decision", out.Decision,
		"policies", out.Applied,
	)

	return &Assessment{
		EventID:        rec.ID,
		RiskScore:      out.RiskScore,
		AIRiskScore:    ai,
		RulesScore:     rulesScore,
		RawScore:       raw,
		Decision:       out.Decision,
		Baseline:       out.Baseline,
		PoliciesFired:  out.Applied,
		RulesTriggered: hits,
		Persisted:      persisted,
		FeatureVersion: FeatureVectorVersion,
		Features:       fs,
		Payload:        payload,
		EvaluatedAt:    now,
	}, nil
}

// Preview builds the feature set Score would use for ev, without scoring or
// writing anything.
func (e *Engine) Preview(ctx context.Context, ev Event) (FeatureSet, error) {
	ctx, span := traces.StartSpan(ctx, "risk.Preview", traces.UserID(ev.UserID))
	defer span.End()

	fs, err := e.buildFeatures(ctx, ev, e.now())
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	return fs, nil
}

// Recent lists the newest stored records across all users. limit is clamped
// to [1, MaxRecentLimit]; zero or negative means DefaultRecentLimit.
func (e *Engine) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	ctx, cancel := e.storeContext(ctx)
	defer cancel()

	recs, err := e.store.Recent(ctx, RecentQuery{Limit: limit})
	if err != nil {
		return nil, storeErr("recent", err)
	}
	return recs, nil
}

func (e *Engine) buildFeatures(ctx context.Context, ev Event, now time.Time) (FeatureSet, error) {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.aggregator.Build(ctx, ev, now)
}

func (e *Engine) insert(ctx context.Context, rec *Record) error {
	ctx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.store.Insert(ctx, rec); err != nil {
		return storeErr("insert", err)
	}
	return nil
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.storeTimeout)
}

func (e *Engine) fail(span trace.Span, kind string, err error) error {
	metrics.ScoringErrorsTotal.WithLabelValues(kind).Inc()
	traces.Fail(span, err)
	return err
}
