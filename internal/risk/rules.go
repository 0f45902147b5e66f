package risk

// RuleHit records one heuristic rule that contributed to the rules score.
type RuleHit struct {
	Name   string  `json:"name"`
	Points float64 `json:"points"`
}

// Rule thresholds.
const (
	spikeRule1h       = 5
	spikeRule24h      = 20
	abnormalDailyRate = 50
	maxScore          = 100.0
	minScore          = 0.0
)

// heuristicRule is a single additive rule.
type heuristicRule struct {
	name   string
	points float64
	match  func(FeatureSet) bool
}

// heuristicRules are summed; evaluation order does not affect the result.
var heuristicRules = []heuristicRule{
	{"unfamiliar_city", 20, func(fs FeatureSet) bool { return !fs.Flag(FeatureIsKnownCity) }},
	{"new_device", 20, func(fs FeatureSet) bool { return fs.Flag(FeatureIsNewDevice) }},
	{"sensitive_service", 30, func(fs FeatureSet) bool { return fs.Flag(FeatureIsSensitiveService) }},
	{"night_activity", 10, func(fs FeatureSet) bool { return fs.Flag(FeatureIsNight) }},
	{"activity_spike", 10, func(fs FeatureSet) bool {
		return fs.Get(FeatureEventsLast1h) >= spikeRule1h || fs.Get(FeatureEventsLast24h) >= spikeRule24h
	}},
	{"abnormal_daily_rate", 10, func(fs FeatureSet) bool { return fs.Get(FeatureAvgDailyEvents) > abnormalDailyRate }},
}

// EvaluateRules scores fs against the heuristic rules. The sum is clamped to
// [0,100] once, not per term.
func EvaluateRules(fs FeatureSet) (float64, []RuleHit) {
	var (
		score float64
		hits  = []RuleHit{}
	)
	for _, r := range heuristicRules {
		if r.match(fs) {
			score += r.points
			hits = append(hits, RuleHit{Name: r.name, Points: r.points})
		}
	}
	return clamp(score), hits
}

func clamp(v float64) float64 {
	if v < minScore {
		return minScore
	}
	if v > maxScore {
		return maxScore
	}
	return v
}
