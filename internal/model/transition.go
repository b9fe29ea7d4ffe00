package model

import (
	"time"

	"github.com/google/uuid"
)

// TransitionTrigger identifies what initiated a lifecycle transition.
type TransitionTrigger string

const (
	TriggerPromote TransitionTrigger = "promote"
	TriggerDemote  TransitionTrigger = "demote"
	TriggerManual  TransitionTrigger = "manual"
)

// GateSnapshot captures the metrics and evidence tier a gate decision was
// made against. Stored with the audit record so decisions are replayable.
type GateSnapshot struct {
	Metrics        PatternMetrics  `json:"metrics"`
	Tier           EvidenceTier    `json:"evidence_tier"`
	Status         LifecycleStatus `json:"lifecycle_status"`
	HoursSinceLast float64         `json:"hours_since_last_transition"`
}

// Transition is an immutable audit record of one applied lifecycle change.
type Transition struct {
	ID             uuid.UUID         `json:"id"`
	PatternID      uuid.UUID         `json:"pattern_id"`
	FromStatus     LifecycleStatus   `json:"from_status"`
	ToStatus       LifecycleStatus   `json:"to_status"`
	Trigger        TransitionTrigger `json:"trigger"`
	Reason         string            `json:"reason"`
	GateSnapshot   GateSnapshot      `json:"gate_snapshot"`
	Actor          string            `json:"actor"`
	IdempotencyKey string            `json:"idempotency_key"`
	OccurredAt     time.Time         `json:"occurred_at"`
}
