// Package projection builds the periodic snapshot of routable patterns
// (VALIDATED + PROVISIONAL current versions) consumed by downstream caches.
package projection

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/storage"
)

// Snapshot is one projection build.
type Snapshot struct {
	Patterns []model.Pattern `json:"patterns"`
	BuiltAt  time.Time       `json:"built_at"`
}

// Builder assembles snapshots. Concurrent builds are deduplicated via
// singleflight: one query serves every caller that arrived while it ran.
type Builder struct {
	db     *storage.DB
	logger *slog.Logger
	group  singleflight.Group
}

// NewBuilder creates a projection builder.
func NewBuilder(db *storage.DB, logger *slog.Logger) *Builder {
	return &Builder{db: db, logger: logger}
}

// Build returns the current projection snapshot.
func (b *Builder) Build(ctx context.Context) (Snapshot, error) {
	v, err, _ := b.group.Do("projection", func() (any, error) {
		patterns, err := b.db.Projection(ctx)
		if err != nil {
			return nil, err
		}
		return Snapshot{Patterns: patterns, BuiltAt: time.Now().UTC()}, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Refresh builds a snapshot and signals the projection channel so caches
// re-fetch. The payload is only a summary; consumers pull the full set.
func (b *Builder) Refresh(ctx context.Context) error {
	snap, err := b.Build(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"patterns": len(snap.Patterns),
		"built_at": snap.BuiltAt,
	})
	if err != nil {
		return err
	}
	if err := b.db.Notify(ctx, storage.ChannelProjection, string(payload)); err != nil {
		return err
	}
	b.logger.Debug("projection refreshed", "patterns", len(snap.Patterns))
	return nil
}
