// Package ingest turns batches of raw observations into pattern candidates.
//
// One batch flows extractor → cluster engine → confidence scorer →
// deduplicator → pattern store. Malformed observations are skipped and
// counted, never fatal to the batch; every skip and every minted candidate
// is reported back per batch.
package ingest

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kata-engine/kata/internal/cluster"
	"github.com/kata-engine/kata/internal/feature"
	"github.com/kata-engine/kata/internal/model"
)

// PatternStore is the write surface the processor needs.
type PatternStore interface {
	CreatePattern(ctx context.Context, p model.Pattern) (model.Pattern, error)
	MergePatternVersion(ctx context.Context, intoID uuid.UUID, candidate model.Pattern) (model.Pattern, error)
}

// Report summarizes one processed batch.
type Report struct {
	Observations int `json:"observations"`
	Extracted    int `json:"extracted"`
	Skipped      int `json:"skipped"`
	Clusters     int `json:"clusters"`
	Discarded    int `json:"discarded"` // clusters below the occurrence minimum
	Created      int `json:"created"`
	Merged       int `json:"merged"`
	Warnings     int `json:"warnings"` // near-threshold dedup advisories
}

// Processor runs extraction batches for one domain at a time.
type Processor struct {
	engine     *cluster.Engine
	confidence *cluster.ConfidenceScorer
	dedup      *cluster.Deduplicator
	store      PatternStore
	logger     *slog.Logger

	batches metric.Int64Counter
}

// NewProcessor wires a batch processor.
func NewProcessor(engine *cluster.Engine, confidence *cluster.ConfidenceScorer, dedup *cluster.Deduplicator, store PatternStore, logger *slog.Logger) *Processor {
	meter := otel.GetMeterProvider().Meter("kata/ingest")
	batches, _ := meter.Int64Counter("kata.ingest.batches",
		metric.WithDescription("Observation batches processed"))
	return &Processor{
		engine:     engine,
		confidence: confidence,
		dedup:      dedup,
		store:      store,
		logger:     logger,
		batches:    batches,
	}
}

// Process runs one observation batch for a domain. Pure-function errors
// (extraction) skip the offending observation; store errors abort the batch
// since continuing would double-create candidates on redelivery.
func (p *Processor) Process(ctx context.Context, domain string, observations []model.Observation) (Report, error) {
	rep := Report{Observations: len(observations)}

	sets, failed := feature.ExtractBatch(observations)
	rep.Extracted = len(sets)
	rep.Skipped = len(failed)
	for id, err := range failed {
		p.logger.Warn("ingest: observation skipped", "observation_id", id, "error", err)
	}
	if len(sets) == 0 {
		return rep, nil
	}

	byID := make(map[string]model.FeatureSet, len(sets))
	for _, fs := range sets {
		byID[fs.ObservationID] = fs
	}

	clusters := p.engine.Cluster(sets)
	rep.Clusters = len(clusters)

	for _, cl := range clusters {
		if !p.confidence.Eligible(cl) {
			rep.Discarded++
			continue
		}

		members := make([]model.FeatureSet, len(cl.Members))
		for i, id := range cl.Members {
			members[i] = byID[id]
		}
		medoid := byID[cl.Medoid]
		signature := feature.Signature(medoid)
		confidence := p.confidence.Score(members)

		decision, err := p.dedup.Decide(ctx, domain, signature, medoid)
		if err != nil {
			return rep, err
		}
		if decision.NearThreshold {
			rep.Warnings++
		}

		candidate := model.Pattern{
			Domain:        domain,
			SignatureHash: signature,
			Status:        model.StatusCandidate,
			Tier:          model.TierObserved,
			Confidence:    confidence,
			Features:      medoid,
		}

		switch decision.Action {
		case cluster.ActionMerge:
			if _, err := p.store.MergePatternVersion(ctx, decision.MergeInto, candidate); err != nil {
				return rep, err
			}
			rep.Merged++
		default:
			if _, err := p.store.CreatePattern(ctx, candidate); err != nil {
				return rep, err
			}
			rep.Created++
		}
	}

	p.batches.Add(ctx, 1)
	p.logger.Info("ingest: batch processed",
		"domain", domain, "observations", rep.Observations, "skipped", rep.Skipped,
		"clusters", rep.Clusters, "created", rep.Created, "merged", rep.Merged)
	return rep, nil
}
