// Package lifecycle applies governed status transitions to patterns.
//
// The Applier is the only writer of pattern lifecycle status. Every
// transition runs as one atomic unit of work with an idempotency ledger and
// an append-only audit trail; notification publishing happens strictly after
// commit and is best-effort.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/storage"
)

// Outcome is the caller-visible result class of a transition request.
// External callers always receive one of these, never a bare error.
type Outcome string

const (
	OutcomeSuccess         Outcome = "SUCCESS"
	OutcomeIdempotentNoop  Outcome = "IDEMPOTENT_NOOP"
	OutcomeStatusMismatch  Outcome = "STATUS_MISMATCH"
	OutcomeValidationError Outcome = "VALIDATION_ERROR"
	OutcomeNotFound        Outcome = "NOT_FOUND"
)

// Request asks for one lifecycle transition.
type Request struct {
	PatternID      uuid.UUID
	FromStatus     model.LifecycleStatus
	ToStatus       model.LifecycleStatus
	Trigger        model.TransitionTrigger
	Reason         string
	Snapshot       model.GateSnapshot
	Actor          string
	IdempotencyKey string
}

// Result is the outcome of a transition request. For a replayed idempotency
// key, all fields except Outcome are the original application's values.
type Result struct {
	Outcome      Outcome               `json:"outcome"`
	TransitionID uuid.UUID             `json:"transition_id,omitempty"`
	PatternID    uuid.UUID             `json:"pattern_id"`
	FromStatus   model.LifecycleStatus `json:"from_status,omitempty"`
	ToStatus     model.LifecycleStatus `json:"to_status,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	OccurredAt   time.Time             `json:"occurred_at,omitempty"`
	// NotificationDelivered is false when the post-commit publish failed
	// or no publisher is configured. The transition itself still succeeded.
	NotificationDelivered bool `json:"notification_delivered"`
}

// Publisher emits lifecycle notifications after a committed transition.
type Publisher interface {
	PublishTransition(ctx context.Context, t model.Transition) error
}

// Applier is the transition state machine plus its single effect.
type Applier struct {
	db        *storage.DB
	publisher Publisher // optional; nil disables notifications
	logger    *slog.Logger

	applied metric.Int64Counter
}

// NewApplier creates an applier. publisher may be nil.
func NewApplier(db *storage.DB, publisher Publisher, logger *slog.Logger) *Applier {
	meter := otel.GetMeterProvider().Meter("kata/lifecycle")
	applied, _ := meter.Int64Counter("kata.transitions.applied",
		metric.WithDescription("Lifecycle transitions by outcome"))
	return &Applier{db: db, publisher: publisher, logger: logger, applied: applied}
}

// validTarget lists the statuses a transition may move to, and from where.
// SEED is a legacy bootstrap-only status and is never a valid target;
// CANDIDATE is an entry state, only ever created by the clustering engine.
func validTarget(req Request) (bool, string) {
	if req.ToStatus == model.StatusSeed {
		return false, "transition_to_seed_forbidden"
	}
	if !req.FromStatus.Valid() || !req.ToStatus.Valid() {
		return false, "unknown_lifecycle_status"
	}
	if req.ToStatus == model.StatusBlacklisted {
		// Manual override, terminal, reachable from any state.
		if req.Trigger != model.TriggerManual {
			return false, "blacklist_requires_manual_trigger"
		}
		return true, ""
	}
	if req.ToStatus == model.StatusDeprecated && req.Trigger == model.TriggerManual {
		// Operator disable retires a pattern regardless of where it sits.
		return true, ""
	}
	switch {
	case req.FromStatus == model.StatusCandidate && req.ToStatus == model.StatusProvisional:
		return true, ""
	case req.FromStatus == model.StatusProvisional && req.ToStatus == model.StatusValidated:
		return true, ""
	case req.FromStatus == model.StatusValidated && req.ToStatus == model.StatusDeprecated:
		return true, ""
	}
	return false, fmt.Sprintf("edge_not_allowed_%s_to_%s", req.FromStatus, req.ToStatus)
}

// Apply executes one transition request. The returned error is reserved for
// infrastructure failures (connectivity, serialization); every domain
// outcome, including validation failures, stale state, and replays, is
// reported through Result.Outcome.
func (a *Applier) Apply(ctx context.Context, req Request) (Result, error) {
	if req.IdempotencyKey == "" {
		return a.reject(req, "idempotency_key_required"), nil
	}
	if ok, why := validTarget(req); !ok {
		return a.reject(req, why), nil
	}

	t := model.Transition{
		ID:             uuid.New(),
		PatternID:      req.PatternID,
		FromStatus:     req.FromStatus,
		ToStatus:       req.ToStatus,
		Trigger:        req.Trigger,
		Reason:         req.Reason,
		GateSnapshot:   req.Snapshot,
		Actor:          req.Actor,
		IdempotencyKey: req.IdempotencyKey,
		OccurredAt:     time.Now().UTC(),
	}

	res := Result{
		Outcome:      OutcomeSuccess,
		TransitionID: t.ID,
		PatternID:    t.PatternID,
		FromStatus:   t.FromStatus,
		ToStatus:     t.ToStatus,
		Reason:       t.Reason,
		OccurredAt:   t.OccurredAt,
	}

	exec, err := a.db.ExecTransition(ctx, t, res)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStatusMismatch):
		a.count(ctx, OutcomeStatusMismatch)
		a.logger.Info("lifecycle: status guard rejected transition",
			"pattern_id", req.PatternID, "from", req.FromStatus, "to", req.ToStatus)
		return Result{Outcome: OutcomeStatusMismatch, PatternID: req.PatternID}, nil
	case errors.Is(err, storage.ErrNotFound):
		a.count(ctx, OutcomeNotFound)
		return Result{Outcome: OutcomeNotFound, PatternID: req.PatternID}, nil
	default:
		return Result{}, err
	}

	if exec.Replayed {
		var prior Result
		if err := json.Unmarshal(exec.Prior, &prior); err != nil {
			return Result{}, fmt.Errorf("lifecycle: decode prior result: %w", err)
		}
		prior.Outcome = OutcomeIdempotentNoop
		a.count(ctx, OutcomeIdempotentNoop)
		return prior, nil
	}

	a.count(ctx, OutcomeSuccess)
	a.logger.Info("lifecycle: transition applied",
		"pattern_id", t.PatternID, "from", t.FromStatus, "to", t.ToStatus,
		"trigger", t.Trigger, "reason", t.Reason)

	// Post-commit, best-effort: a publish failure never rolls back or
	// fails the transition.
	res.NotificationDelivered = a.publish(ctx, t)
	return res, nil
}

func (a *Applier) publish(ctx context.Context, t model.Transition) bool {
	if a.publisher == nil {
		return false
	}
	if err := a.publisher.PublishTransition(ctx, t); err != nil {
		a.logger.Warn("lifecycle: notification undelivered",
			"pattern_id", t.PatternID, "transition_id", t.ID, "error", err)
		return false
	}
	return true
}

func (a *Applier) reject(req Request, why string) Result {
	a.logger.Warn("lifecycle: transition rejected",
		"pattern_id", req.PatternID, "from", req.FromStatus, "to", req.ToStatus, "reason", why)
	return Result{Outcome: OutcomeValidationError, PatternID: req.PatternID, Reason: why}
}

func (a *Applier) count(ctx context.Context, o Outcome) {
	a.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
}
