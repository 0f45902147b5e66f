package risk

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sndlabs/snd/internal/idgen"
)

// stubScorer returns a fixed raw anomaly value.
type stubScorer struct {
	raw   float64
	err   error
	calls int
	mu    sync.Mutex
}

func (s *stubScorer) Score(ctx context.Context, v FeatureVector) (float64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.raw, s.err
}

// testClock is a settable wall clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// noon on a Wednesday, UTC.
var testNow = time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, store Store, scorer AnomalyScorer, clock *testClock) *Engine {
	t.Helper()
	return newTestEngineWithConfig(t, store, scorer, clock, DefaultConfig())
}

func newTestEngineWithConfig(t *testing.T, store Store, scorer AnomalyScorer, clock *testClock, cfg Config) *Engine {
	t.Helper()
	return NewEngine(store, NewAnomalyAdapter(scorer), cfg).
		WithClock(clock.Now).
		WithLogger(discardLogger())
}

func testEvent(user, device, city, service string, at time.Time) Event {
	return Event{
		UserID:    user,
		Device:    device,
		City:      city,
		Service:   service,
		EventTime: at,
		Region:    RegionForCity(city),
	}
}

// seed inserts a record received at receivedAt.
func seed(t *testing.T, store Store, ev Event, receivedAt time.Time, riskScore float64) {
	t.Helper()
	rec := &Record{
		ID:          idgen.WithPrefix("seed_"),
		Event:       ev,
		TimestampMs: receivedAt.UnixMilli(),
		RiskScore:   riskScore,
		Decision:    Classify(riskScore),
		RawPayload:  "{}",
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// allFeatureSets enumerates flag combinations across the rule and policy
// inputs for property checks.
func allFeatureSets() []FeatureSet {
	var out []FeatureSet
	for mask := 0; mask < 1<<5; mask++ {
		for _, density := range []struct{ h1, h24, avg float64 }{
			{0, 0, 0}, {4, 19, 50}, {5, 0, 0}, {0, 20, 0}, {0, 24, 51}, {30, 200, 120},
		} {
			for _, freq := range []float64{0, 0.5, 1} {
				fs := NewFeatureSet()
				fs[FeatureIsKnownCity] = float64(mask & 1)
				fs[FeatureIsNewDevice] = float64(mask >> 1 & 1)
				fs[FeatureIsSensitiveService] = float64(mask >> 2 & 1)
				fs[FeatureIsNight] = float64(mask >> 3 & 1)
				fs[FeatureIsNewUser] = float64(mask >> 4 & 1)
				fs[FeatureEventsLast1h] = density.h1
				fs[FeatureEventsLast24h] = density.h24
				fs[FeatureAvgDailyEvents] = density.avg
				fs[FeatureCityFrequency] = freq
				fs[FeatureDeviceFrequency] = freq
				fs[FeatureServiceFrequency] = freq
				out = append(out, fs)
			}
		}
	}
	return out
}
