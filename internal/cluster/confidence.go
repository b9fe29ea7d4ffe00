package cluster

import (
	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/similarity"
)

// ConfidenceScorer derives a bounded [0,1] confidence for a cluster from its
// size, mean intra-cluster similarity, and label agreement.
type ConfidenceScorer struct {
	scorer *similarity.Scorer

	// MinOccurrences is the minimum cluster size for a candidate to be
	// emitted at all. Smaller clusters are discarded, not emitted with
	// low confidence.
	MinOccurrences int
}

// NewConfidenceScorer creates a confidence scorer.
func NewConfidenceScorer(scorer *similarity.Scorer, minOccurrences int) *ConfidenceScorer {
	if minOccurrences <= 0 {
		minOccurrences = 2
	}
	return &ConfidenceScorer{scorer: scorer, MinOccurrences: minOccurrences}
}

// Eligible reports whether the cluster is large enough to become a candidate.
func (c *ConfidenceScorer) Eligible(cl model.Cluster) bool {
	return len(cl.Members) >= c.MinOccurrences
}

// Score computes the cluster confidence. members must be the feature sets of
// the cluster's members, ID-sorted (the engine's output order).
//
// Components:
//   - size: saturating at 10 members, weight 0.30
//   - cohesion: mean pairwise overall similarity, weight 0.45
//   - label agreement: fraction of members carrying the modal label, weight 0.25
func (c *ConfidenceScorer) Score(members []model.FeatureSet) float64 {
	n := len(members)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return 0.30 * 0.1 // singleton: minimal size credit, no cohesion evidence
	}

	size := float64(n) / 10.0
	if size > 1.0 {
		size = 1.0
	}

	var total float64
	pairs := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			total += c.scorer.Score(members[i], members[j]).Overall
			pairs++
		}
	}
	cohesion := total / float64(pairs)

	return 0.30*size + 0.45*cohesion + 0.25*labelAgreement(members)
}

// labelAgreement is the fraction of members whose label set contains the
// modal label. Members without labels count against agreement.
func labelAgreement(members []model.FeatureSet) float64 {
	counts := make(map[string]int)
	for _, m := range members {
		for _, l := range m.Labels {
			counts[l]++
		}
	}
	if len(counts) == 0 {
		return 0
	}
	// Deterministic mode selection: highest count, ties to smallest label.
	var modal string
	best := -1
	for l, c := range counts {
		if c > best || (c == best && l < modal) {
			modal, best = l, c
		}
	}
	return float64(best) / float64(len(members))
}
