package risk

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sndlabs/snd/internal/metrics"
)

func TestScore_WarmStartCleanPath(t *testing.T) {
	store := NewMemoryStore()
	clock := newTestClock(testNow)
	// raw 0.1 → ai 40; first event rules: unfamiliar city + new device = 40.
	engine := newTestEngine(t, store, &stubScorer{raw: 0.1}, clock)

	a, err := engine.Score(context.Background(), testEvent("new_user", "iphone", "riyadh", "view_profile", testNow))
	require.NoError(t, err)

	assert.Equal(t, DecisionAllow, a.Decision)
	assert.Equal(t, DecisionAlert, a.Baseline)
	assert.LessOrEqual(t, a.RiskScore, 25.0)
	assert.InDelta(t, 40, a.AIRiskScore, 1e-9)
	assert.Equal(t, 40.0, a.RulesScore)
	assert.Equal(t, []string{"warm_start"}, a.PoliciesFired)
	assert.True(t, a.Persisted)
	assert.Equal(t, FeatureVectorVersion, a.FeatureVersion)
	assert.Equal(t, "riyadh", a.Payload.City)

	last, err := store.LastRecord(context.Background(), "new_user")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.LessOrEqual(t, last.RiskScore, 25.0)
	assert.Equal(t, a.EventID, last.ID)
	assert.Equal(t, testNow.UnixMilli(), last.TimestampMs)

	var payload Payload
	require.NoError(t, json.Unmarshal([]byte(last.RawPayload), &payload))
	assert.Equal(t, "new_user", payload.UserID)
}

func TestScore_SensitiveServiceFromUnseenCity(t *testing.T) {
	store := NewMemoryStore()
	clock := newTestClock(testNow)
	engine := newTestEngine(t, store, &stubScorer{raw: 0.1}, clock)
	ctx := context.Background()

	_, err := engine.Score(ctx, testEvent("u1", "iphone", "riyadh", "view_profile", testNow))
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	a, err := engine.Score(ctx, testEvent("u1", "iphone", "jeddah", "reset_password", clock.Now()))
	require.NoError(t, err)

	assert.Equal(t, 1.0, a.Features[FeatureIsSensitiveService])
	assert.Zero(t, a.Features[FeatureIsKnownCity])
	assert.Zero(t, a.Features[FeatureIsNewUser])
	assert.GreaterOrEqual(t, a.RiskScore, 40.0)
	assert.Equal(t, DecisionChallenge, a.Decision)
	assert.Contains(t, a.PoliciesFired, "sensitive_floor")
}

func TestScore_SpikeOfLogins(t *testing.T) {
	store := NewMemoryStore()
	clock := newTestClock(testNow)
	// A very normal-looking model output; the spike must win regardless.
	engine := newTestEngine(t, store, &stubScorer{raw: 0.5}, clock)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		a, err := engine.Score(ctx, testEvent("u1", "android", "dammam", "login", clock.Now()))
		require.NoError(t, err)

		if i <= 5 {
			assert.NotEqual(t, DecisionChallenge, a.Decision, "event %d", i)
		} else {
			assert.Equal(t, DecisionChallenge, a.Decision, "event %d", i)
			assert.GreaterOrEqual(t, a.RiskScore, 60.0, "event %d", i)
			assert.Contains(t, a.PoliciesFired, "spike")
		}
		clock.Advance(5 * time.Minute)
	}
}

func TestScore_BackdatedEventsStillCountTowardSpike(t *testing.T) {
	store := NewMemoryStore()
	clock := newTestClock(testNow)
	engine := newTestEngine(t, store, &stubScorer{raw: 0.5}, clock)
	ctx := context.Background()

	var a *Assessment
	for i := 0; i < 6; i++ {
		var err error
		a, err = engine.Score(ctx, testEvent("u1", "android", "dammam", "login", testNow.AddDate(0, 0, -30+i)))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 5.0, a.Features[FeatureEventsLast1h])
	assert.Equal(t, DecisionChallenge, a.Decision)
}

// pinScore forces the final score, to exercise the gate at an exact value.
type pinScore float64

func (pinScore) Name() string { return "pin" }

func (p pinScore) Apply(fs FeatureSet, out *Outcome) bool {
	out.RiskScore = float64(p)
	out.Decision = Classify(out.RiskScore)
	return true
}

func TestScore_AntiPoisoningGate(t *testing.T) {
	store := NewMemoryStore()
	clock := newTestClock(testNow)
	cfg := DefaultConfig()
	cfg.Policies = []Policy{pinScore(96)}
	engine := newTestEngineWithConfig(t, store, &stubScorer{raw: -0.5}, clock, cfg)
	ctx := context.Background()

	a, err := engine.Score(ctx, testEvent("attacker", "emulator", "riyadh", "transfer_funds", testNow))
	require.NoError(t, err)
	assert.Equal(t, 96.0, a.RiskScore)
	assert.False(t, a.Persisted)

	stats, err := store.TotalAndDistinctDays(ctx, "attacker")
	require.NoError(t, err)
	assert.Zero(t, stats.Total)

	// The dropped event never shapes later fingerprints.
	fs, err := engine.Preview(ctx, testEvent("attacker", "emulator", "riyadh", "transfer_funds", testNow))
	require.NoError(t, err)
	assert.Zero(t, fs[FeatureEventsLast1h])
	assert.Zero(t, fs[FeatureIsKnownCity])
	assert.Equal(t, 1.0, fs[FeatureIsNewUser])

	// 95 is still persisted.
	cfg.Policies = []Policy{pinScore(95)}
	engine = newTestEngineWithConfig(t, store, &stubScorer{raw: -0.5}, clock, cfg)
	a, err = engine.Score(ctx, testEvent("attacker", "emulator", "riyadh", "transfer_funds", testNow))
	require.NoError(t, err)
	assert.True(t, a.Persisted)
}

func TestScore_ZeroPersistThresholdIsHonored(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.PersistMaxRisk = 0
	engine := newTestEngineWithConfig(t, store, &stubScorer{raw: 0.1}, newTestClock(testNow), cfg)
	ctx := context.Background()

	a, err := engine.Score(ctx, testEvent("u1", "iphone", "riyadh", "view_profile", testNow))
	require.NoError(t, err)
	assert.Equal(t, 25.0, a.RiskScore)
	assert.False(t, a.Persisted)
	assert.Zero(t, engine.gate.MaxRisk())

	stats, err := store.TotalAndDistinctDays(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestScore_PayloadMarshalFailureIsCounted(t *testing.T) {
	store := NewMemoryStore()
	engine := newTestEngine(t, store, &stubScorer{raw: 0.1}, newTestClock(testNow))
	encodeErr := errors.New("encode failed")
	engine.marshal = func(any) ([]byte, error) { return nil, encodeErr }

	before := testutil.ToFloat64(metrics.ScoringErrorsTotal.WithLabelValues("internal"))
	a, err := engine.Score(context.Background(), testEvent("u1", "iphone", "riyadh", "login", testNow))
	assert.Nil(t, a)
	assert.ErrorIs(t, err, encodeErr)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ScoringErrorsTotal.WithLabelValues("internal"))-before)

	recs, err := store.Recent(context.Background(), RecentQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// failingStore fails the configured operation.
type failingStore struct {
	*MemoryStore
	failOn string
	err    error
}

func (s *failingStore) Insert(ctx context.Context, rec *Record) error {
	if s.failOn == "insert" {
		return s.err
	}
	return s.MemoryStore.Insert(ctx, rec)
}

func (s *failingStore) LastRecord(ctx context.Context, userID string) (*Record, error) {
	if s.failOn == "last" {
		return nil, s.err
	}
	return s.MemoryStore.LastRecord(ctx, userID)
}

func (s *failingStore) CountLowRisk(ctx context.Context, q LowRiskQuery) (int, error) {
	if s.failOn == "lowrisk" {
		return 0, s.err
	}
	return s.MemoryStore.CountLowRisk(ctx, q)
}

func TestScore_StoreFailureFailsRequest(t *testing.T) {
	diskErr := errors.New("disk I/O error")
	for _, op := range []string{"last", "lowrisk", "insert"} {
		t.Run(op, func(t *testing.T) {
			scorer := &stubScorer{raw: 0.2}
			store := &failingStore{MemoryStore: NewMemoryStore(), failOn: op, err: diskErr}
			engine := newTestEngine(t, store, scorer, newTestClock(testNow))

			a, err := engine.Score(context.Background(), testEvent("u1", "iphone", "riyadh", "login", testNow))
			assert.Nil(t, a)
			assert.ErrorIs(t, err, ErrStore)
			assert.ErrorIs(t, err, diskErr)

			if op != "insert" {
				assert.Zero(t, scorer.calls, "scorer must not run on an incomplete fingerprint")
			}
		})
	}
}

func TestScore_ScorerFailureFailsRequest(t *testing.T) {
	store := NewMemoryStore()
	engine := newTestEngine(t, store, &stubScorer{err: errors.New("model not loaded")}, newTestClock(testNow))

	a, err := engine.Score(context.Background(), testEvent("u1", "iphone", "riyadh", "login", testNow))
	assert.Nil(t, a)
	assert.ErrorIs(t, err, ErrScorerUnavailable)

	recs, err := store.Recent(context.Background(), RecentQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, recs, "nothing is persisted when scoring fails")
}

func TestScore_NoScorerConfigured(t *testing.T) {
	engine := NewEngine(NewMemoryStore(), NewAnomalyAdapter(nil), DefaultConfig()).WithLogger(discardLogger())
	_, err := engine.Score(context.Background(), testEvent("u1", "iphone", "riyadh", "login", testNow))
	assert.ErrorIs(t, err, ErrScorerUnavailable)
}

func TestScore_StoreTimeoutApplied(t *testing.T) {
	store := &deadlineStore{MemoryStore: NewMemoryStore()}
	cfg := DefaultConfig()
	cfg.StoreTimeout = 50 * time.Millisecond
	engine := newTestEngineWithConfig(t, store, &stubScorer{raw: 0.2}, newTestClock(testNow), cfg)

	_, err := engine.Score(context.Background(), testEvent("u1", "iphone", "riyadh", "login", testNow))
	require.NoError(t, err)
	assert.True(t, store.sawDeadline)
}

type deadlineStore struct {
	*MemoryStore
	sawDeadline bool
}

func (s *deadlineStore) CountSince(ctx context.Context, q WindowQuery) (int, error) {
	_, s.sawDeadline = ctx.Deadline()
	return s.MemoryStore.CountSince(ctx, q)
}

func TestRecent(t *testing.T) {
	store := NewMemoryStore()
	clock := newTestClock(testNow)
	engine := newTestEngine(t, store, &stubScorer{raw: 0.3}, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Score(ctx, testEvent("u1", "iphone", "riyadh", "login", clock.Now()))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	recs, err := engine.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Greater(t, recs[0].TimestampMs, recs[1].TimestampMs)

	recs, err = engine.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestScoreBoundsAcrossModelOutputs(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []float64{-2, -0.5, -0.1, 0, 0.1, 0.5, 3} {
		store := NewMemoryStore()
		clock := newTestClock(testNow)
		engine := newTestEngine(t, store, &stubScorer{raw: raw}, clock)
		for i := 0; i < 8; i++ {
			a, err := engine.Score(ctx, testEvent("u1", "iphone", "riyadh", "reset_password", clock.Now()))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, a.RiskScore, 0.0)
			assert.LessOrEqual(t, a.RiskScore, 100.0)
			assert.GreaterOrEqual(t, a.AIRiskScore, 0.0)
			assert.LessOrEqual(t, a.AIRiskScore, 100.0)
			clock.Advance(2 * time.Minute)
		}
	}
}
