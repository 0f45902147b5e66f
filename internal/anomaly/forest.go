// Package anomaly provides the unsupervised scorers the risk engine consumes:
// an isolation forest evaluated in-process and a client for a remote scorer.
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/sndlabs/snd/internal/risk"
)

// eulerGamma is the Euler-Mascheroni constant used by the harmonic estimate.
const eulerGamma = 0.5772156649

// ErrInvalidModel is returned when a model file cannot be used.
var ErrInvalidModel = errors.New("anomaly: invalid model")

// Node is one node of an isolation tree. Leaves have Feature == -1.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	NSamples  int     `json:"n_samples"`
}

// Tree is a flat array of nodes; index 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Forest is an isolation forest exported as JSON. Score follows the usual
// decision function: negative values are anomalous, positive are normal.
type Forest struct {
	Version    string  `json:"version"`
	NFeatures  int     `json:"n_features"`
	MaxSamples int     `json:"max_samples"`
	Offset     float64 `json:"offset"`
	Trees      []Tree  `json:"trees"`
}

// LoadForest reads and validates a forest from path.
func LoadForest(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	return ParseForest(data)
}

// ParseForest decodes and validates a JSON forest.
func ParseForest(data []byte) (*Forest, error) {
	var f Forest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Forest) validate() error {
	if f.Version != "" && f.Version != risk.FeatureVectorVersion {
		return fmt.Errorf("%w: feature version %q, engine uses %q", ErrInvalidModel, f.Version, risk.FeatureVectorVersion)
	}
	if f.NFeatures != risk.ModelFeatureCount {
		return fmt.Errorf("%w: expects %d features, engine provides %d", ErrInvalidModel, f.NFeatures, risk.ModelFeatureCount)
	}
	if f.MaxSamples < 2 {
		return fmt.Errorf("%w: max_samples must be at least 2", ErrInvalidModel)
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("%w: no trees", ErrInvalidModel)
	}
	for i, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("%w: tree %d is empty", ErrInvalidModel, i)
		}
		for j, n := range t.Nodes {
			if n.Feature == -1 {
				continue
			}
			if n.Feature < 0 || n.Feature >= f.NFeatures {
				return fmt.Errorf("%w: tree %d node %d: feature %d out of range", ErrInvalidModel, i, j, n.Feature)
			}
			// Children always follow their parent, so walks terminate.
			if n.Left <= j || n.Left >= len(t.Nodes) || n.Right <= j || n.Right >= len(t.Nodes) {
				return fmt.Errorf("%w: tree %d node %d: bad child index", ErrInvalidModel, i, j)
			}
		}
	}
	return nil
}

// Score implements risk.AnomalyScorer.
func (f *Forest) Score(ctx context.Context, v risk.FeatureVector) (float64, error) {
	if f == nil || len(f.Trees) == 0 {
		return 0, risk.ErrScorerUnavailable
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].pathLength(v)
	}
	mean := sum / float64(len(f.Trees))
	return -math.Pow(2, -mean/averagePathLength(f.MaxSamples)) - f.Offset, nil
}

func (t *Tree) pathLength(v risk.FeatureVector) float64 {
	depth := 0
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature == -1 {
			return float64(depth) + averagePathLength(n.NSamples)
		}
		if v[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
