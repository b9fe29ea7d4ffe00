package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kata-engine/kata/internal/model"
)

// ExecResult is the outcome of ExecTransition.
type ExecResult struct {
	// Replayed is true when the idempotency key was already processed.
	// Prior then holds the stored result of the original application and
	// nothing was written.
	Replayed bool
	Prior    json.RawMessage
}

// ExecTransition applies a lifecycle transition as a single atomic unit of
// work:
//
//  1. ledger lookup by idempotency key; a hit returns the prior result
//     unchanged, absorbing at-least-once redelivery
//  2. optimistic status guard: conditional UPDATE keyed on from_status
//  3. audit insert of the transition record
//  4. ledger insert of the idempotency key with the serialized result
//  5. commit
//
// Partial application is not an observable state: any failure rolls the
// whole transaction back. Two concurrent requests for the same pattern race
// at the guard; exactly one wins and the other gets ErrStatusMismatch. Two
// concurrent deliveries of the same key race at the ledger's unique
// constraint; the loser re-reads and replays the winner's result.
func (db *DB) ExecTransition(ctx context.Context, t model.Transition, resultPayload any) (ExecResult, error) {
	payload, err := json.Marshal(resultPayload)
	if err != nil {
		return ExecResult{}, fmt.Errorf("storage: marshal transition result: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("storage: begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Idempotency lookup. Precedes the status guard so a replay after
	// the pattern moved on still returns the original result, never a
	// fresh STATUS_MISMATCH.
	var prior json.RawMessage
	err = tx.QueryRow(ctx,
		`SELECT result FROM processed_events WHERE idempotency_key = $1`,
		t.IdempotencyKey,
	).Scan(&prior)
	if err == nil {
		return ExecResult{Replayed: true, Prior: prior}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ExecResult{}, fmt.Errorf("storage: ledger lookup: %w", err)
	}

	// 2. Optimistic status guard.
	tag, err := tx.Exec(ctx,
		`UPDATE patterns SET lifecycle_status = $3, updated_at = now()
		 WHERE id = $1 AND lifecycle_status = $2`,
		t.PatternID, t.FromStatus, t.ToStatus,
	)
	if err != nil {
		return ExecResult{}, fmt.Errorf("storage: status guard update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM patterns WHERE id = $1)`, t.PatternID,
		).Scan(&exists); err != nil {
			return ExecResult{}, fmt.Errorf("storage: status guard probe: %w", err)
		}
		if !exists {
			return ExecResult{}, fmt.Errorf("storage: pattern %s: %w", t.PatternID, ErrNotFound)
		}
		return ExecResult{}, fmt.Errorf("storage: pattern %s not in %s: %w", t.PatternID, t.FromStatus, ErrStatusMismatch)
	}

	// 3. Audit insert.
	snapshot, err := json.Marshal(t.GateSnapshot)
	if err != nil {
		return ExecResult{}, fmt.Errorf("storage: marshal gate snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO pattern_transitions (id, pattern_id, from_status, to_status, trigger,
		 reason, gate_snapshot, actor, idempotency_key, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)`,
		t.ID, t.PatternID, t.FromStatus, t.ToStatus, t.Trigger,
		t.Reason, snapshot, t.Actor, t.IdempotencyKey, t.OccurredAt,
	); err != nil {
		return ExecResult{}, fmt.Errorf("storage: insert transition: %w", err)
	}

	// 4. Ledger insert. A unique violation here means a concurrent
	// delivery of the same key committed first: roll back and replay its
	// stored result.
	if _, err := tx.Exec(ctx,
		`INSERT INTO processed_events (idempotency_key, result, processed_at)
		 VALUES ($1, $2::jsonb, now())`,
		t.IdempotencyKey, payload,
	); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return db.replayLedger(ctx, t.IdempotencyKey)
		}
		return ExecResult{}, fmt.Errorf("storage: ledger insert: %w", err)
	}

	// 5. Commit.
	if err := tx.Commit(ctx); err != nil {
		return ExecResult{}, fmt.Errorf("storage: commit transition: %w", err)
	}
	return ExecResult{}, nil
}

// replayLedger reads the stored result for a key outside any transaction.
func (db *DB) replayLedger(ctx context.Context, key string) (ExecResult, error) {
	var prior json.RawMessage
	err := db.pool.QueryRow(ctx,
		`SELECT result FROM processed_events WHERE idempotency_key = $1`, key,
	).Scan(&prior)
	if err != nil {
		return ExecResult{}, fmt.Errorf("storage: replay ledger read: %w", err)
	}
	return ExecResult{Replayed: true, Prior: prior}, nil
}

// ListTransitions returns the audit trail for a pattern, newest first.
func (db *DB) ListTransitions(ctx context.Context, patternID uuid.UUID, limit int) ([]model.Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, pattern_id, from_status, to_status, trigger, reason, gate_snapshot,
		 actor, idempotency_key, occurred_at
		 FROM pattern_transitions
		 WHERE pattern_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		patternID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list transitions: %w", err)
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var t model.Transition
		var snapshot []byte
		if err := rows.Scan(
			&t.ID, &t.PatternID, &t.FromStatus, &t.ToStatus, &t.Trigger, &t.Reason,
			&snapshot, &t.Actor, &t.IdempotencyKey, &t.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan transition: %w", err)
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &t.GateSnapshot); err != nil {
				return nil, fmt.Errorf("storage: unmarshal gate snapshot: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LastTransitionAt returns the time of the pattern's most recent transition,
// or the zero time if it has never transitioned. Cooldown derives from this,
// a pure function of the audit log rather than mutable state.
func (db *DB) LastTransitionAt(ctx context.Context, patternID uuid.UUID) (time.Time, error) {
	var at time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT occurred_at FROM pattern_transitions
		 WHERE pattern_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT 1`,
		patternID,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: last transition at: %w", err)
	}
	return at, nil
}

// CleanupProcessedEvents removes ledger entries older than ttl. Safe because
// the source brokers guarantee redelivery only within a bounded window.
func (db *DB) CleanupProcessedEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM processed_events
		 WHERE processed_at < now() - ($1 * interval '1 microsecond')`,
		ttl.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
