package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/storage"
)

// PgPublisher emits lifecycle notifications on the kata_transitions
// LISTEN/NOTIFY channel. Payloads are compact JSON; consumers re-fetch the
// full audit record through the transitions query surface when they need
// the gate snapshot.
type PgPublisher struct {
	db *storage.DB
}

// NewPgPublisher creates a publisher backed by pg_notify.
func NewPgPublisher(db *storage.DB) *PgPublisher {
	return &PgPublisher{db: db}
}

// PublishTransition sends the notification. Called only after the
// transition committed; errors are surfaced to the applier, which logs them
// and marks the notification undelivered.
func (p *PgPublisher) PublishTransition(ctx context.Context, t model.Transition) error {
	payload, err := json.Marshal(map[string]any{
		"transition_id": t.ID,
		"pattern_id":    t.PatternID,
		"from_status":   t.FromStatus,
		"to_status":     t.ToStatus,
		"trigger":       t.Trigger,
		"reason":        t.Reason,
		"occurred_at":   t.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: marshal notification: %w", err)
	}
	return p.db.Notify(ctx, storage.ChannelTransitions, string(payload))
}
