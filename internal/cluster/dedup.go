package cluster

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/similarity"
)

// DedupAction says what to do with a new candidate.
type DedupAction string

const (
	// ActionCreate mints a new pattern lineage.
	ActionCreate DedupAction = "create"
	// ActionMerge folds the candidate into an existing lineage as a new version.
	ActionMerge DedupAction = "merge"
)

// DedupDecision is the outcome of comparing a candidate against the
// current-version patterns of its domain.
type DedupDecision struct {
	Action    DedupAction
	MergeInto uuid.UUID // set when Action == ActionMerge
	// NearThreshold is advisory: the best match fell inside the warn band
	// just below the merge threshold. Never blocking.
	NearThreshold  bool
	BestSimilarity float64
}

// PatternDirectory is the read surface the deduplicator needs: the current
// version of every pattern in a domain.
type PatternDirectory interface {
	CurrentPatterns(ctx context.Context, domain string) ([]model.Pattern, error)
}

// Deduplicator detects near-duplicate candidates across existing lineages.
type Deduplicator struct {
	dir    PatternDirectory
	scorer *similarity.Scorer
	logger *slog.Logger

	// MergeThreshold is the minimum similarity to merge instead of creating
	// a new lineage. WarnBand is the width of the advisory band below it.
	MergeThreshold float64
	WarnBand       float64
}

// NewDeduplicator creates a deduplicator with the given thresholds.
func NewDeduplicator(dir PatternDirectory, scorer *similarity.Scorer, logger *slog.Logger, mergeThreshold, warnBand float64) *Deduplicator {
	if mergeThreshold <= 0 {
		mergeThreshold = 0.90
	}
	if warnBand <= 0 {
		warnBand = 0.05
	}
	return &Deduplicator{dir: dir, scorer: scorer, logger: logger, MergeThreshold: mergeThreshold, WarnBand: warnBand}
}

// Decide compares a candidate (its medoid feature set and signature hash)
// against the current patterns of the domain. Signature-hash equality
// short-circuits to a merge without scoring; otherwise the best similarity
// above MergeThreshold merges, and a best match inside the warn band is
// flagged for human review.
func (d *Deduplicator) Decide(ctx context.Context, domain, signatureHash string, medoid model.FeatureSet) (DedupDecision, error) {
	existing, err := d.dir.CurrentPatterns(ctx, domain)
	if err != nil {
		return DedupDecision{}, err
	}

	var (
		bestID  uuid.UUID
		bestSim float64
	)
	for _, p := range existing {
		if p.SignatureHash == signatureHash {
			return DedupDecision{Action: ActionMerge, MergeInto: p.ID, BestSimilarity: 1.0}, nil
		}
		sim := d.scorer.Score(medoid, p.Features).Overall
		if sim > bestSim {
			bestID, bestSim = p.ID, sim
		}
	}

	if bestSim >= d.MergeThreshold {
		return DedupDecision{Action: ActionMerge, MergeInto: bestID, BestSimilarity: bestSim}, nil
	}

	dec := DedupDecision{Action: ActionCreate, BestSimilarity: bestSim}
	if bestSim >= d.MergeThreshold-d.WarnBand {
		dec.NearThreshold = true
		d.logger.Warn("dedup: candidate near merge threshold",
			"domain", domain, "best_match", bestID, "similarity", bestSim, "merge_threshold", d.MergeThreshold)
	}
	return dec, nil
}
