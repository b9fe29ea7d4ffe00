package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/kata-engine/kata/internal/cluster"
	"github.com/kata-engine/kata/internal/config"
	"github.com/kata-engine/kata/internal/evidence"
	"github.com/kata-engine/kata/internal/gate"
	"github.com/kata-engine/kata/internal/ingest"
	"github.com/kata-engine/kata/internal/lifecycle"
	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/projection"
	"github.com/kata-engine/kata/internal/ratelimit"
	"github.com/kata-engine/kata/internal/similarity"
	"github.com/kata-engine/kata/internal/storage"
	"github.com/kata-engine/kata/internal/telemetry"
	"github.com/kata-engine/kata/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KATA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kata starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Verify critical tables exist after migration. Catch a half-applied
	// schema early rather than failing on the first transition.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'patterns')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'patterns' does not exist after migration")
	}

	// Build the similarity scorer and the engines layered on it.
	scorer, err := similarity.NewScorer(cfg.Weights)
	if err != nil {
		return fmt.Errorf("similarity: %w", err)
	}
	engine := cluster.NewEngine(scorer, cfg.ClusterThreshold)
	confidence := cluster.NewConfidenceScorer(scorer, cfg.MinPatternOccurrences)
	dedup := cluster.NewDeduplicator(db, scorer, logger, cfg.MergeThreshold, cfg.WarnBand)

	evaluator, err := gate.NewEvaluator(cfg.Gates)
	if err != nil {
		return fmt.Errorf("gate: %w", err)
	}

	publisher := lifecycle.NewPgPublisher(db)
	applier := lifecycle.NewApplier(db, publisher, logger)
	governor := lifecycle.NewGovernor(db, evaluator, applier, logger)

	processor := ingest.NewProcessor(engine, confidence, dedup, db, logger)
	binder := evidence.NewBinder(db, logger)

	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if cfg.IngestRate > 0 {
		limiter = ratelimit.NewTokenBucket(cfg.IngestRate, cfg.IngestBurst)
	}
	defer func() { _ = limiter.Close() }()

	builder := projection.NewBuilder(db, logger)

	// Build the initial projection snapshot so consumers have data immediately.
	if err := builder.Refresh(ctx); err != nil {
		logger.Warn("initial projection refresh failed", "error", err)
	}

	// Background loops: NOTIFY-driven ingest and run binding, idempotency
	// ledger cleanup, projection refresh, periodic gate sweep.
	go notifyLoop(ctx, db, processor, binder, builder, limiter, logger)
	go cleanupLoop(ctx, db, logger, cfg.CleanupInterval, cfg.LedgerTTL)
	go projectionLoop(ctx, builder, logger, cfg.ProjectionInterval)
	go gateSweepLoop(ctx, db, governor, logger, cfg.GateSweepInterval)

	slog.Info("kata running")
	<-ctx.Done()

	slog.Info("kata shutting down")

	// Final projection refresh so consumers see the last applied transitions.
	refreshCtx, refreshCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := builder.Refresh(refreshCtx); err != nil {
		logger.Warn("final projection refresh failed", "error", err)
	}
	refreshCancel()

	slog.Info("kata stopped")
	return nil
}

// ingestPayload is the JSON body expected on the kata_ingest channel.
type ingestPayload struct {
	Domain       string              `json:"domain"`
	Observations []model.Observation `json:"observations"`
}

// runPayload is the JSON body expected on the kata_runs channel.
type runPayload struct {
	PatternID uuid.UUID        `json:"pattern_id"`
	RunLinked bool             `json:"run_linked"`
	Outcome   model.RunOutcome `json:"outcome"`
}

// notifyLoop consumes observation batches and run reports delivered over
// LISTEN/NOTIFY. Payloads that fail to decode are logged and dropped; the
// loop itself only exits when the context is cancelled. Batches from a
// domain exceeding the ingest throttle are dropped for the producer to
// resend; a limiter malfunction fails open.
func notifyLoop(ctx context.Context, db *storage.DB, processor *ingest.Processor, binder *evidence.Binder, builder *projection.Builder, limiter ratelimit.Limiter, logger *slog.Logger) {
	for _, ch := range []string{storage.ChannelIngest, storage.ChannelRuns} {
		if err := db.Listen(ctx, ch); err != nil {
			logger.Error("listen failed", "channel", ch, "error", err)
			return
		}
	}

	for {
		channel, payload, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("notification wait failed", "error", err)
			continue
		}

		switch channel {
		case storage.ChannelIngest:
			var in ingestPayload
			if err := json.Unmarshal([]byte(payload), &in); err != nil {
				logger.Warn("ingest payload decode failed", "error", err)
				continue
			}
			allowed, err := limiter.Allow(ctx, in.Domain)
			if err != nil {
				logger.Warn("ingest throttle check failed", "error", err, "domain", in.Domain)
				allowed = true
			}
			if !allowed {
				logger.Warn("ingest batch throttled", "domain", in.Domain, "observations", len(in.Observations))
				continue
			}
			report, err := processor.Process(ctx, in.Domain, in.Observations)
			if err != nil {
				logger.Warn("ingest batch failed", "error", err, "domain", in.Domain)
				continue
			}
			logger.Info("ingest batch complete",
				"domain", in.Domain,
				"observations", report.Observations,
				"created", report.Created,
				"merged", report.Merged,
			)
			if report.Created > 0 || report.Merged > 0 {
				if err := builder.Refresh(ctx); err != nil {
					logger.Warn("projection refresh failed", "error", err)
				}
			}

		case storage.ChannelRuns:
			var in runPayload
			if err := json.Unmarshal([]byte(payload), &in); err != nil {
				logger.Warn("run payload decode failed", "error", err)
				continue
			}
			tier, err := binder.BindRun(ctx, in.PatternID, in.RunLinked, in.Outcome)
			if err != nil {
				logger.Warn("run bind failed", "error", err, "pattern_id", in.PatternID)
				continue
			}
			logger.Debug("run bound", "pattern_id", in.PatternID, "tier", tier)
		}
	}
}

func cleanupLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupProcessedEvents(ctx, ttl)
			if err != nil {
				logger.Warn("ledger cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("ledger cleanup complete", "deleted", n)
			}
		}
	}
}

func projectionLoop(ctx context.Context, builder *projection.Builder, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := builder.Refresh(ctx); err != nil {
				logger.Warn("projection refresh failed", "error", err)
			}
		}
	}
}

// gateSweepLoop periodically evaluates every gateable pattern against the
// promotion and demotion gates. Each evaluation is idempotent: the governor
// derives the idempotency key from the pattern state, so re-sweeping an
// unchanged pattern replays the stored outcome instead of re-applying.
func gateSweepLoop(ctx context.Context, db *storage.DB, governor *lifecycle.Governor, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			patterns, err := db.GateablePatterns(ctx)
			if err != nil {
				logger.Warn("gate sweep: list patterns failed", "error", err)
				continue
			}

			var applied int
			for _, p := range patterns {
				res, eligible, err := governor.Evaluate(ctx, p.ID, false, "gate_sweep")
				if err != nil {
					logger.Warn("gate sweep: evaluate failed", "error", err, "pattern_id", p.ID)
					continue
				}
				if eligible && res.Outcome == lifecycle.OutcomeSuccess {
					applied++
				}
			}

			if applied > 0 {
				logger.Info("gate sweep complete", "patterns", len(patterns), "applied", applied)
			}
		}
	}
}
