// Package evidence computes and persists a pattern's evidence tier.
//
// The tier is monotonic: it only ever rises. The binder is the sole writer
// of the tier column; every other component reads it.
package evidence

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kata-engine/kata/internal/model"
)

// TierStore persists monotonic tier upgrades. Implementations must apply
// max(current, computed) by rank inside a transaction, never a direct
// overwrite, and return the tier actually stored.
type TierStore interface {
	UpgradeTier(ctx context.Context, patternID uuid.UUID, computed model.EvidenceTier) (model.EvidenceTier, error)
}

// ComputeTier derives the evidence tier from a measurement-run linkage.
// No linkage is anecdotal (OBSERVED). A linked run only counts as MEASURED
// when it succeeded; failed or partial runs stay at OBSERVED: they are
// evidence that a measurement was attempted, not that the pattern works.
//
// VERIFIED is never computed here: it requires out-of-band verification and
// arrives as a manual tier upgrade.
func ComputeTier(runLinked bool, outcome model.RunOutcome) model.EvidenceTier {
	if runLinked && outcome == model.RunSuccess {
		return model.TierMeasured
	}
	return model.TierObserved
}

// Binder applies run-linkage events to the stored tier.
type Binder struct {
	store  TierStore
	logger *slog.Logger
}

// NewBinder creates a binder.
func NewBinder(store TierStore, logger *slog.Logger) *Binder {
	return &Binder{store: store, logger: logger}
}

// BindRun computes the tier implied by a run-linkage event and upgrades the
// stored tier if the computed tier ranks higher. Returns the stored tier
// after the operation. A computed tier at or below the stored one is a
// no-op, not an error; tier never moves down regardless of event order.
func (b *Binder) BindRun(ctx context.Context, patternID uuid.UUID, runLinked bool, outcome model.RunOutcome) (model.EvidenceTier, error) {
	computed := ComputeTier(runLinked, outcome)
	stored, err := b.store.UpgradeTier(ctx, patternID, computed)
	if err != nil {
		return "", err
	}
	if stored == computed {
		b.logger.Debug("evidence: tier bound", "pattern_id", patternID, "tier", stored)
	}
	return stored, nil
}
