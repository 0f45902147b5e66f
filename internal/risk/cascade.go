package risk

import (
	"fmt"
	"math"
)

// Weights blend the anomaly and rules contributions.
type Weights struct {
	AI    float64
	Rules float64
}

// DefaultWeights favour the model slightly over the heuristics.
var DefaultWeights = Weights{AI: 0.55, Rules: 0.45}

// Validate checks the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.AI < 0 || w.Rules < 0 {
		return fmt.Errorf("weights must be non-negative (ai=%v rules=%v)", w.AI, w.Rules)
	}
	if math.Abs(w.AI+w.Rules-1) > 1e-9 {
		return fmt.Errorf("weights must sum to 1 (ai=%v rules=%v)", w.AI, w.Rules)
	}
	return nil
}

// Fuse blends ai and rules into a single score in [0,100].
func (w Weights) Fuse(ai, rules float64) float64 {
	return clamp(w.AI*ai + w.Rules*rules)
}

// Baseline decision bands, inclusive upper bounds.
const (
	allowMax     = 30.0
	alertMax     = 60.0
	challengeMax = 80.0
)

// Classify maps a score to its baseline decision.
func Classify(score float64) Decision {
	switch {
	case score <= allowMax:
		return DecisionAllow
	case score <= alertMax:
		return DecisionAlert
	case score <= challengeMax:
		return DecisionChallenge
	default:
		return DecisionBlock
	}
}

// Outcome is the state threaded through the cascade.
type Outcome struct {
	RiskScore float64
	Baseline  Decision
	Decision  Decision
	Applied   []string
}

// Policy is one override step of the cascade. Apply may change both the
// decision and the score of out and reports whether it fired.
type Policy interface {
	Name() string
	Apply(fs FeatureSet, out *Outcome) bool
}

// WarmStartPolicy handles users with no low-risk history. A first session
// that is consistent with itself is allowed with a clean low score; any other
// new-user session is held at Alert.
type WarmStartPolicy struct {
	CleanMax float64 // highest score eligible for the clean path
	CleanCap float64 // score cap on the clean path
	AlertCap float64 // score cap and upper bound on the alert path
}

func (WarmStartPolicy) Name() string { return "warm_start" }

func (p WarmStartPolicy) Apply(fs FeatureSet, out *Outcome) bool {
	if !fs.Flag(FeatureIsNewUser) {
		return false
	}
	consistent := fs.Get(FeatureCityFrequency) == 1 &&
		fs.Get(FeatureDeviceFrequency) == 1 &&
		fs.Get(FeatureServiceFrequency) == 1
	if consistent && out.RiskScore <= p.CleanMax {
		out.Decision = DecisionAllow
		out.RiskScore = math.Min(out.RiskScore, p.CleanCap)
		return true
	}
	if out.RiskScore < p.AlertCap {
		out.Decision = DecisionAlert
		out.RiskScore = math.Min(out.RiskScore, p.AlertCap)
		return true
	}
	return false
}

// SensitiveBandPolicy forces Challenge on sensitive services scoring inside
// [Min, Max].
type SensitiveBandPolicy struct {
	Min, Max float64
}

func (SensitiveBandPolicy) Name() string { return "sensitive_band" }

func (p SensitiveBandPolicy) Apply(fs FeatureSet, out *Outcome) bool {
	if fs.Flag(FeatureIsSensitiveService) && out.RiskScore >= p.Min && out.RiskScore <= p.Max {
		out.Decision = DecisionChallenge
		return true
	}
	return false
}

// SensitiveFloorPolicy forces Challenge on sensitive services scoring at or
// above Floor. It overlaps SensitiveBandPolicy and is the effective floor.
type SensitiveFloorPolicy struct {
	Floor float64
}

func (SensitiveFloorPolicy) Name() string { return "sensitive_floor" }

func (p SensitiveFloorPolicy) Apply(fs FeatureSet, out *Outcome) bool {
	if fs.Flag(FeatureIsSensitiveService) && out.RiskScore >= p.Floor {
		out.Decision = DecisionChallenge
		return true
	}
	return false
}

// SpikePolicy escalates bursts of activity to Challenge and lifts the score
// to at least MinScore. It never lowers the score.
type SpikePolicy struct {
	Last1h   float64
	Last24h  float64
	MinScore float64
}

func (SpikePolicy) Name() string { return "spike" }

func (p SpikePolicy) Apply(fs FeatureSet, out *Outcome) bool {
	if fs.Get(FeatureEventsLast1h) < p.Last1h && fs.Get(FeatureEventsLast24h) < p.Last24h {
		return false
	}
	out.RiskScore = math.Max(out.RiskScore, p.MinScore)
	out.Decision = DecisionChallenge
	return true
}

// DefaultPolicies returns the cascade in its required order.
func DefaultPolicies() []Policy {
	return []Policy{
		WarmStartPolicy{CleanMax: 60, CleanCap: 25, AlertCap: 60},
		SensitiveBandPolicy{Min: 61, Max: 80},
		SensitiveFloorPolicy{Floor: 40},
		SpikePolicy{Last1h: 5, Last24h: 24, MinScore: 60},
	}
}

// Cascade fuses contributions, classifies the result and runs the override
// policies in order. Later policies take precedence.
type Cascade struct {
	weights  Weights
	policies []Policy
}

// NewCascade creates a cascade. A nil policies slice means DefaultPolicies.
func NewCascade(w Weights, policies []Policy) *Cascade {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Cascade{weights: w, policies: policies}
}

// Decide produces the final outcome for the given contributions.
func (c *Cascade) Decide(ai, rules float64, fs FeatureSet) Outcome {
	score := c.weights.Fuse(ai, rules)
	out := Outcome{
		RiskScore: score,
		Baseline:  Classify(score),
		Applied:   []string{},
	}
	out.Decision = out.Baseline

	for _, p := range c.policies {
		if p.Apply(fs, &out) {
			out.Applied = append(out.Applied, p.Name())
		}
		out.RiskScore = clamp(out.RiskScore)
	}
	return out
}
