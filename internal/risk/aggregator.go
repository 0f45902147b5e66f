package risk

import (
	"context"
	"fmt"
	"math"
	"time"
)

// DefaultSensitiveServices are account-takeover-prone services.
var DefaultSensitiveServices = []string{
	"reset_password",
	"change_password",
	"change_mobile",
	"change_email",
	"update_bank_account",
	"transfer_funds",
	"delete_account",
}

// DefaultWeekendDays is the Saudi weekend.
var DefaultWeekendDays = []time.Weekday{time.Friday, time.Saturday}

// DefaultLowRiskThreshold is the highest score still counted as low-risk
// history for the new-user test.
const DefaultLowRiskThreshold = 35.0

// Density windows.
const (
	shortWindow = time.Hour
	longWindow  = 24 * time.Hour
)

// AggregatorConfig configures feature derivation. LowRiskThreshold is used as
// given, zero included; start from DefaultAggregatorConfig.
type AggregatorConfig struct {
	LowRiskThreshold  float64
	SensitiveServices []string
	WeekendDays       []time.Weekday
}

// Aggregator derives a FeatureSet from an event and the user's stored history.
type Aggregator struct {
	store     Store
	lowRisk   float64
	sensitive map[string]struct{}
	weekend   map[time.Weekday]bool
}

// DefaultAggregatorConfig returns the default thresholds and service sets.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		LowRiskThreshold:  DefaultLowRiskThreshold,
		SensitiveServices: DefaultSensitiveServices,
		WeekendDays:       DefaultWeekendDays,
	}
}

// NewAggregator creates an aggregator reading from store. Empty service and
// weekend lists fall back to the defaults.
func NewAggregator(store Store, cfg AggregatorConfig) *Aggregator {
	if len(cfg.SensitiveServices) == 0 {
		cfg.SensitiveServices = DefaultSensitiveServices
	}
	if len(cfg.WeekendDays) == 0 {
		cfg.WeekendDays = DefaultWeekendDays
	}

	a := &Aggregator{
		store:     store,
		lowRisk:   cfg.LowRiskThreshold,
		sensitive: make(map[string]struct{}, len(cfg.SensitiveServices)),
		weekend:   make(map[time.Weekday]bool, len(cfg.WeekendDays)),
	}
	for _, s := range cfg.SensitiveServices {
		a.sensitive[s] = struct{}{}
	}
	for _, d := range cfg.WeekendDays {
		a.weekend[d] = true
	}
	return a
}

// IsSensitive reports whether service is in the sensitive set.
func (a *Aggregator) IsSensitive(service string) bool {
	_, ok := a.sensitive[service]
	return ok
}

// Build computes the feature set for ev as of now. Density windows are
// anchored on now, never on ev.EventTime, so a backdated event cannot
// reshape the user's recent history.
//
// Frequencies are ratios over stored history. A user with no history reads
// 1.0: the current event is then its only observation. The model vector for
// a first event therefore carries 1.0, not 0.0, in the three frequency slots;
// models trained on vectors that used 0.0 there must be retrained or account
// for it.
func (a *Aggregator) Build(ctx context.Context, ev Event, now time.Time) (FeatureSet, error) {
	fs := NewFeatureSet()
	a.temporal(fs, ev.EventTime)
	fs[FeatureIsSensitiveService] = boolFeature(a.IsSensitive(ev.Service))

	nowMs := now.UnixMilli()
	last1h, err := a.store.CountSince(ctx, WindowQuery{UserID: ev.UserID, SinceMs: nowMs - shortWindow.Milliseconds()})
	if err != nil {
		return nil, storeErr("count 1h window", err)
	}
	last24h, err := a.store.CountSince(ctx, WindowQuery{UserID: ev.UserID, SinceMs: nowMs - longWindow.Milliseconds()})
	if err != nil {
		return nil, storeErr("count 24h window", err)
	}
	fs[FeatureEventsLast1h] = float64(last1h)
	fs[FeatureEventsLast24h] = float64(last24h)

	stats, err := a.store.TotalAndDistinctDays(ctx, ev.UserID)
	if err != nil {
		return nil, storeErr("history stats", err)
	}
	if stats.DistinctDays > 0 {
		fs[FeatureAvgDailyEvents] = float64(stats.Total) / float64(stats.DistinctDays)
	}

	last, err := a.store.LastRecord(ctx, ev.UserID)
	if err != nil {
		return nil, storeErr("last record", err)
	}
	if last != nil {
		mins := ev.EventTime.Sub(last.EventTime).Minutes()
		fs[FeatureMinutesSinceLastEvent] = math.Max(0, mins)
		fs[FeatureIsKnownCity] = boolFeature(last.City == ev.City)
		fs[FeatureIsNewDevice] = boolFeature(last.Device != ev.Device)
	} else {
		fs[FeatureIsNewDevice] = 1
	}

	for _, f := range []struct {
		field Field
		value string
		key   string
	}{
		{FieldCity, ev.City, FeatureCityFrequency},
		{FieldDevice, ev.Device, FeatureDeviceFrequency},
		{FieldService, ev.Service, FeatureServiceFrequency},
	} {
		hist, err := a.store.Frequency(ctx, FrequencyQuery{UserID: ev.UserID, Field: f.field, Value: f.value})
		if err != nil {
			return nil, storeErr(string(f.field)+" frequency", err)
		}
		fs[f.key] = frequency(hist, stats.Total)
	}

	lowRisk, err := a.store.CountLowRisk(ctx, LowRiskQuery{UserID: ev.UserID, MaxRisk: a.lowRisk})
	if err != nil {
		return nil, storeErr("low-risk count", err)
	}
	fs[FeatureIsNewUser] = boolFeature(lowRisk == 0)

	return fs, nil
}

func (a *Aggregator) temporal(fs FeatureSet, t time.Time) {
	hour := t.Hour()
	fs[FeatureEventHour] = float64(hour)
	fs[FeatureDayOfWeek] = float64((int(t.Weekday()) + 6) % 7)
	fs[FeatureIsWeekend] = boolFeature(a.weekend[t.Weekday()])
	fs[FeatureIsNight] = boolFeature(TimeWindow(hour) == "night")
}

func frequency(hist float64, total int) float64 {
	if total <= 0 {
		return 1
	}
	return hist
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
