package risk

// FeatureVectorVersion identifies the ordering of ModelFeatureKeys. Any
// change to that list must bump it, since persisted models depend on it.
const FeatureVectorVersion = "v1"

// Feature names.
const (
	FeatureEventHour             = "event_hour"
	FeatureDayOfWeek             = "day_of_week"
	FeatureIsWeekend             = "is_weekend"
	FeatureIsNight               = "is_night"
	FeatureEventsLast1h          = "events_last_1h"
	FeatureEventsLast24h         = "events_last_24h"
	FeatureAvgDailyEvents        = "avg_daily_events"
	FeatureMinutesSinceLastEvent = "minutes_since_last_event"
	FeatureIsKnownCity           = "is_known_city"
	FeatureIsNewDevice           = "is_new_device"
	FeatureIsSensitiveService    = "is_sensitive_service"
	FeatureCityFrequency         = "city_frequency"
	FeatureDeviceFrequency       = "device_frequency"
	FeatureServiceFrequency      = "service_frequency"
	FeatureIsNewUser             = "is_new_user"
)

// ModelFeatureCount is the width of the vector handed to the anomaly scorer.
const ModelFeatureCount = 14

// ModelFeatureKeys is the canonical vector order for FeatureVectorVersion.
var ModelFeatureKeys = [ModelFeatureCount]string{
	FeatureEventHour,
	FeatureDayOfWeek,
	FeatureIsWeekend,
	FeatureIsNight,
	FeatureEventsLast1h,
	FeatureEventsLast24h,
	FeatureAvgDailyEvents,
	FeatureMinutesSinceLastEvent,
	FeatureIsKnownCity,
	FeatureIsNewDevice,
	FeatureIsSensitiveService,
	FeatureCityFrequency,
	FeatureDeviceFrequency,
	FeatureServiceFrequency,
}

// FeatureKeys lists every key of a FeatureSet: the model features followed
// by the policy-only features.
var FeatureKeys = append(ModelFeatureKeys[:], FeatureIsNewUser)

// FeatureVector is the ordered numeric input to the anomaly scorer.
type FeatureVector [ModelFeatureCount]float64

// FeatureSet maps feature names to values. Absent names read as 0.
type FeatureSet map[string]float64

// NewFeatureSet returns a set with every known feature present and zero.
func NewFeatureSet() FeatureSet {
	fs := make(FeatureSet, len(FeatureKeys))
	for _, k := range FeatureKeys {
		fs[k] = 0
	}
	return fs
}

// Get returns the value for name, or 0 when absent.
func (fs FeatureSet) Get(name string) float64 {
	return fs[name]
}

// Flag reports whether a 0/1 feature is set.
func (fs FeatureSet) Flag(name string) bool {
	return fs[name] != 0
}

// Vector lays the model features out in canonical order.
func (fs FeatureSet) Vector() FeatureVector {
	var v FeatureVector
	for i, k := range ModelFeatureKeys {
		v[i] = fs[k]
	}
	return v
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// TimeWindow buckets an hour of day into night (0-5), morning (6-11),
// noon (12-16) or evening (17-23).
func TimeWindow(hour int) string {
	switch {
	case hour < 0 || hour > 23:
		return "unknown"
	case hour <= 5:
		return "night"
	case hour <= 11:
		return "morning"
	case hour <= 16:
		return "noon"
	default:
		return "evening"
	}
}
