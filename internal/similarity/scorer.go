// Package similarity scores pairs of feature sets.
//
// Scoring is a pure weighted combination of five components. The weights are
// validated at configuration load: they must sum to 1.0 or the process
// refuses to start.
package similarity

import (
	"fmt"
	"math"

	"github.com/kata-engine/kata/internal/model"
)

// Weights are the component weights of the overall similarity score.
type Weights struct {
	Keyword    float64
	Pattern    float64
	Structural float64
	Label      float64
	Context    float64
}

// DefaultWeights returns the standard component weighting.
func DefaultWeights() Weights {
	return Weights{
		Keyword:    0.30,
		Pattern:    0.25,
		Structural: 0.20,
		Label:      0.15,
		Context:    0.10,
	}
}

// Validate checks that the weights sum to 1.0 (within floating tolerance)
// and that no component is negative. Fail fast: a bad weighting silently
// skews every downstream clustering and dedup decision.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"keyword": w.Keyword, "pattern": w.Pattern, "structural": w.Structural,
		"label": w.Label, "context": w.Context,
	} {
		if v < 0 {
			return fmt.Errorf("similarity: weight %s is negative: %v", name, v)
		}
	}
	sum := w.Keyword + w.Pattern + w.Structural + w.Label + w.Context
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("similarity: weights must sum to 1.0, got %v", sum)
	}
	return nil
}

// Breakdown is the overall similarity plus its per-component scores.
type Breakdown struct {
	Overall    float64 `json:"overall"`
	Keyword    float64 `json:"keyword"`
	Pattern    float64 `json:"pattern"`
	Structural float64 `json:"structural"`
	Label      float64 `json:"label"`
	Context    float64 `json:"context"`
}

// Scorer computes pairwise similarity with fixed, validated weights.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer, validating the weights.
func NewScorer(w Weights) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{weights: w}, nil
}

// Score computes the weighted similarity of two feature sets.
func (s *Scorer) Score(a, b model.FeatureSet) Breakdown {
	bd := Breakdown{
		Keyword:    jaccard(a.Keywords, b.Keywords),
		Pattern:    jaccard(a.Indicators, b.Indicators),
		Structural: 1.0 - shapeDistance(a.Shape, b.Shape),
		Label:      jaccard(a.Labels, b.Labels),
		Context:    contextSimilarity(a.Context, b.Context),
	}
	bd.Overall = s.weights.Keyword*bd.Keyword +
		s.weights.Pattern*bd.Pattern +
		s.weights.Structural*bd.Structural +
		s.weights.Label*bd.Label +
		s.weights.Context*bd.Context
	return bd
}

// jaccard computes |a ∩ b| / |a ∪ b| over sorted string sets.
// Two empty sets are identical (1.0).
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	inter := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// contextSimilarity applies the asymmetric context rule: both tags empty is
// neutral (0.5, no information either way), exactly one empty is penalized
// (0.0, one side is missing context the other declared), both present uses
// plain Jaccard.
func contextSimilarity(a, b []string) float64 {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0.5
	case len(a) == 0 || len(b) == 0:
		return 0.0
	}
	return jaccard(a, b)
}

// shapeDistance is the normalized L1 distance between structural shape
// descriptors. Each component is already in [0,1], so dividing by the
// component count keeps the distance in [0,1].
func shapeDistance(a, b model.Shape) float64 {
	d := math.Abs(a.Depth-b.Depth) +
		math.Abs(a.Branching-b.Branching) +
		math.Abs(a.Length-b.Length) +
		math.Abs(a.CallDensity-b.CallDensity)
	return d / 4.0
}
