package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kata-engine/kata/internal/model"
)

// CreatePattern inserts a brand-new pattern lineage at version 1 and
// returns it. Status starts at CANDIDATE unless the caller set one.
func (db *DB) CreatePattern(ctx context.Context, p model.Pattern) (model.Pattern, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Version <= 0 {
		p.Version = 1
	}
	if p.Status == "" {
		p.Status = model.StatusCandidate
	}
	if p.Tier == "" {
		p.Tier = model.TierObserved
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.IsCurrent = true

	features, err := json.Marshal(p.Features)
	if err != nil {
		return model.Pattern{}, fmt.Errorf("storage: marshal pattern features: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO patterns (id, domain, signature_hash, version, lifecycle_status, evidence_tier,
		 confidence, injection_count, success_count, failure_streak, hurt_rate, is_current, features,
		 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15)`,
		p.ID, p.Domain, p.SignatureHash, p.Version, p.Status, p.Tier,
		p.Confidence, p.Metrics.InjectionCount, p.Metrics.SuccessCount, p.Metrics.FailureStreak,
		p.Metrics.HurtRate, p.IsCurrent, features, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return model.Pattern{}, fmt.Errorf("storage: create pattern: %w", err)
	}
	return p, nil
}

const patternColumns = `id, domain, signature_hash, version, lifecycle_status, evidence_tier,
	 confidence, injection_count, success_count, failure_streak, hurt_rate, is_current, features,
	 created_at, updated_at`

// GetPattern retrieves a pattern by ID.
func (db *DB) GetPattern(ctx context.Context, id uuid.UUID) (model.Pattern, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = $1`, id)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Pattern{}, fmt.Errorf("storage: pattern %s: %w", id, ErrNotFound)
		}
		return model.Pattern{}, fmt.Errorf("storage: get pattern: %w", err)
	}
	return p, nil
}

// CurrentPatterns returns the current version of every pattern in a domain.
// Used by the deduplicator; BLACKLISTED lineages are still returned so a
// blacklisted pattern cannot silently re-enter as a fresh lineage.
func (db *DB) CurrentPatterns(ctx context.Context, domain string) ([]model.Pattern, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+patternColumns+` FROM patterns
		 WHERE domain = $1 AND is_current
		 ORDER BY signature_hash`,
		domain,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: current patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// ListPatternVersions returns the full lineage for (domain, signature_hash),
// newest version first. Historical versions are never deleted.
func (db *DB) ListPatternVersions(ctx context.Context, domain, signatureHash string) ([]model.Pattern, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+patternColumns+` FROM patterns
		 WHERE domain = $1 AND signature_hash = $2
		 ORDER BY version DESC`,
		domain, signatureHash,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pattern versions: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// MergePatternVersion retires the current version of a lineage and inserts
// the merged candidate as the next version, in one transaction. The new
// version inherits the lineage's lifecycle status and evidence tier: a
// merge is new supporting evidence, not a lifecycle event.
func (db *DB) MergePatternVersion(ctx context.Context, intoID uuid.UUID, candidate model.Pattern) (model.Pattern, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Pattern{}, fmt.Errorf("storage: begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev model.Pattern
	row := tx.QueryRow(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE id = $1 AND is_current FOR UPDATE`, intoID)
	prev, err = scanPattern(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Pattern{}, fmt.Errorf("storage: merge target %s: %w", intoID, ErrNotFound)
		}
		return model.Pattern{}, fmt.Errorf("storage: load merge target: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE patterns SET is_current = FALSE, updated_at = now() WHERE id = $1`, intoID,
	); err != nil {
		return model.Pattern{}, fmt.Errorf("storage: retire merged version: %w", err)
	}

	next := candidate
	next.ID = uuid.New()
	next.Domain = prev.Domain
	next.SignatureHash = prev.SignatureHash
	next.Version = prev.Version + 1
	next.Status = prev.Status
	next.Tier = prev.Tier
	next.IsCurrent = true
	now := time.Now().UTC()
	next.CreatedAt = now
	next.UpdatedAt = now

	features, err := json.Marshal(next.Features)
	if err != nil {
		return model.Pattern{}, fmt.Errorf("storage: marshal merged features: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO patterns (id, domain, signature_hash, version, lifecycle_status, evidence_tier,
		 confidence, injection_count, success_count, failure_streak, hurt_rate, is_current, features,
		 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15)`,
		next.ID, next.Domain, next.SignatureHash, next.Version, next.Status, next.Tier,
		next.Confidence, next.Metrics.InjectionCount, next.Metrics.SuccessCount,
		next.Metrics.FailureStreak, next.Metrics.HurtRate, next.IsCurrent, features,
		next.CreatedAt, next.UpdatedAt,
	); err != nil {
		return model.Pattern{}, fmt.Errorf("storage: insert merged version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Pattern{}, fmt.Errorf("storage: commit merge: %w", err)
	}
	return next, nil
}

// UpgradeTier applies max(current, computed) to the evidence tier inside a
// transaction and returns the tier actually stored. The row lock makes
// concurrent upgrades serialize, so the stored tier is non-decreasing
// regardless of event order.
func (db *DB) UpgradeTier(ctx context.Context, patternID uuid.UUID, computed model.EvidenceTier) (model.EvidenceTier, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("storage: begin tier tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current model.EvidenceTier
	err = tx.QueryRow(ctx,
		`SELECT evidence_tier FROM patterns WHERE id = $1 FOR UPDATE`, patternID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: pattern %s: %w", patternID, ErrNotFound)
		}
		return "", fmt.Errorf("storage: read tier: %w", err)
	}

	next := model.MaxTier(current, computed)
	if next != current {
		if _, err := tx.Exec(ctx,
			`UPDATE patterns SET evidence_tier = $2, updated_at = now() WHERE id = $1`,
			patternID, next,
		); err != nil {
			return "", fmt.Errorf("storage: upgrade tier: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("storage: commit tier: %w", err)
	}
	return next, nil
}

// Projection returns the current VALIDATED and PROVISIONAL patterns,
// the snapshot downstream routing caches consume.
func (db *DB) Projection(ctx context.Context) ([]model.Pattern, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+patternColumns+` FROM patterns
		 WHERE is_current AND lifecycle_status = ANY($1)
		 ORDER BY domain, signature_hash`,
		[]string{string(model.StatusValidated), string(model.StatusProvisional)},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: projection: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// GateablePatterns returns current patterns whose status can still move
// through the lifecycle gates. Terminal statuses are excluded.
func (db *DB) GateablePatterns(ctx context.Context) ([]model.Pattern, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+patternColumns+` FROM patterns
		 WHERE is_current AND lifecycle_status = ANY($1)
		 ORDER BY domain, signature_hash`,
		[]string{string(model.StatusCandidate), string(model.StatusProvisional), string(model.StatusValidated)},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: gateable patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

func scanPattern(row pgx.Row) (model.Pattern, error) {
	var p model.Pattern
	var features []byte
	if err := row.Scan(
		&p.ID, &p.Domain, &p.SignatureHash, &p.Version, &p.Status, &p.Tier,
		&p.Confidence, &p.Metrics.InjectionCount, &p.Metrics.SuccessCount,
		&p.Metrics.FailureStreak, &p.Metrics.HurtRate, &p.IsCurrent, &features,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return model.Pattern{}, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &p.Features); err != nil {
			return model.Pattern{}, fmt.Errorf("unmarshal pattern features: %w", err)
		}
	}
	return p, nil
}

func scanPatterns(rows pgx.Rows) ([]model.Pattern, error) {
	var out []model.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
