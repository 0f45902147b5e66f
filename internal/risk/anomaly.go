package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// AnomalyScorer is an unsupervised model returning a normality score for a
// feature vector, nominally in [-0.5, 0.5] where larger means more normal.
// Implementations return ErrScorerUnavailable when no model is loaded.
type AnomalyScorer interface {
	Score(ctx context.Context, v FeatureVector) (float64, error)
}

// Raw score bounds accepted from the scorer.
const (
	rawScoreMin = -0.5
	rawScoreMax = 0.5
)

// AnomalyAdapter maps a scorer's raw output onto a 0-100 risk contribution.
type AnomalyAdapter struct {
	scorer AnomalyScorer
}

// NewAnomalyAdapter wraps scorer. A nil scorer yields ErrScorerUnavailable on
// every call.
func NewAnomalyAdapter(scorer AnomalyScorer) *AnomalyAdapter {
	return &AnomalyAdapter{scorer: scorer}
}

// Assess returns the scorer's raw value and the derived ai_risk_score.
func (a *AnomalyAdapter) Assess(ctx context.Context, fs FeatureSet) (raw, ai float64, err error) {
	if a == nil || a.scorer == nil {
		return 0, 0, ErrScorerUnavailable
	}
	raw, err = a.scorer.Score(ctx, fs.Vector())
	if err != nil {
		if errors.Is(err, ErrScorerUnavailable) {
			return 0, 0, err
		}
		return 0, 0, fmt.Errorf("%w: %w", ErrScorerUnavailable, err)
	}
	if math.IsNaN(raw) {
		return 0, 0, fmt.Errorf("%w: scorer returned NaN", ErrScorerUnavailable)
	}
	return raw, AIRiskFromRaw(raw), nil
}

// AIRiskFromRaw clamps raw into [-0.5, 0.5] and inverts it onto [0,100]:
// 0 is maximally normal, 100 maximally anomalous.
func AIRiskFromRaw(raw float64) float64 {
	clamped := math.Max(rawScoreMin, math.Min(rawScoreMax, raw))
	return clamp((rawScoreMax - clamped) / (rawScoreMax - rawScoreMin) * 100)
}
