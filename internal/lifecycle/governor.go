package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kata-engine/kata/internal/gate"
	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/storage"
)

// Governor drives gate evaluations for individual patterns: it assembles the
// gate input from stored state and the audit log, evaluates promotion then
// demotion, and hands any eligible decision to the applier.
type Governor struct {
	db        *storage.DB
	evaluator *gate.Evaluator
	applier   *Applier
	logger    *slog.Logger
}

// NewGovernor wires the evaluator and applier together.
func NewGovernor(db *storage.DB, evaluator *gate.Evaluator, applier *Applier, logger *slog.Logger) *Governor {
	return &Governor{db: db, evaluator: evaluator, applier: applier, logger: logger}
}

// Evaluate runs the gates for one pattern and applies the first eligible
// decision. manuallyDisabled comes from the operator disable list. Returns
// the applied result, or a zero Result with applied=false when neither gate
// fired.
func (g *Governor) Evaluate(ctx context.Context, patternID uuid.UUID, manuallyDisabled bool, actor string) (Result, bool, error) {
	p, err := g.db.GetPattern(ctx, patternID)
	if err != nil {
		return Result{}, false, err
	}

	in, err := g.gateInput(ctx, p, manuallyDisabled)
	if err != nil {
		return Result{}, false, err
	}

	if d := g.evaluator.EvaluatePromotion(in); d.Eligible {
		res, err := g.apply(ctx, p, d, model.TriggerPromote, actor, in)
		return res, err == nil, err
	}
	if d := g.evaluator.EvaluateDemotion(in); d.Eligible {
		trigger := model.TriggerDemote
		if d.Reason == gate.ReasonManualOverride {
			trigger = model.TriggerManual
		}
		res, err := g.apply(ctx, p, d, trigger, actor, in)
		return res, err == nil, err
	}
	return Result{}, false, nil
}

func (g *Governor) gateInput(ctx context.Context, p model.Pattern, manuallyDisabled bool) (gate.Input, error) {
	last, err := g.db.LastTransitionAt(ctx, p.ID)
	if err != nil {
		return gate.Input{}, err
	}
	var hours float64
	if !last.IsZero() {
		hours = time.Since(last).Hours()
	}
	return gate.Input{
		Status:           p.Status,
		Tier:             p.Tier,
		Metrics:          p.Metrics,
		HoursSinceLast:   hours,
		ManuallyDisabled: manuallyDisabled,
	}, nil
}

func (g *Governor) apply(ctx context.Context, p model.Pattern, d gate.Decision, trigger model.TransitionTrigger, actor string, in gate.Input) (Result, error) {
	// Composite idempotency key: one logical evaluation per lifecycle edge
	// per audit-log epoch. Re-running the governor before anything changed
	// replays instead of double-applying.
	key := fmt.Sprintf("gate:%s:%s>%s:%d", p.ID, p.Status, d.ToStatus, int64(in.HoursSinceLast))

	return g.applier.Apply(ctx, Request{
		PatternID:      p.ID,
		FromStatus:     p.Status,
		ToStatus:       d.ToStatus,
		Trigger:        trigger,
		Reason:         d.Reason,
		Snapshot:       d.Snapshot,
		Actor:          actor,
		IdempotencyKey: key,
	})
}
