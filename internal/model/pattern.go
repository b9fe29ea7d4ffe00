// Package model defines the core domain types for kata.
//
// All types correspond directly to database tables and engine inputs/outputs.
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. Value types are immutable after construction; the only
// mutable entities are rows in the backing store, written exclusively by the
// lifecycle applier.
package model

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleStatus is the governance state of a pattern.
type LifecycleStatus string

const (
	StatusCandidate   LifecycleStatus = "CANDIDATE"
	StatusProvisional LifecycleStatus = "PROVISIONAL"
	StatusValidated   LifecycleStatus = "VALIDATED"
	StatusDeprecated  LifecycleStatus = "DEPRECATED"
	StatusBlacklisted LifecycleStatus = "BLACKLISTED"

	// StatusSeed is a legacy bootstrap-only status that may exist on rows
	// imported from the pre-governance era. It is never a valid transition
	// target.
	StatusSeed LifecycleStatus = "SEED"
)

// Valid reports whether s is a known lifecycle status.
func (s LifecycleStatus) Valid() bool {
	switch s {
	case StatusCandidate, StatusProvisional, StatusValidated, StatusDeprecated, StatusBlacklisted, StatusSeed:
		return true
	}
	return false
}

// EvidenceTier classifies how rigorously a pattern's effectiveness has been
// confirmed. Tiers are ordered and only ever increase for a given pattern.
type EvidenceTier string

const (
	TierObserved EvidenceTier = "OBSERVED"
	TierMeasured EvidenceTier = "MEASURED"
	TierVerified EvidenceTier = "VERIFIED"
)

// Rank returns the numeric ordering of the tier. Unknown tiers rank below
// OBSERVED so a corrupt value can never mask a legitimate upgrade.
func (t EvidenceTier) Rank() int {
	switch t {
	case TierObserved:
		return 1
	case TierMeasured:
		return 2
	case TierVerified:
		return 3
	}
	return 0
}

// MaxTier returns the higher-ranked of two tiers.
func MaxTier(a, b EvidenceTier) EvidenceTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// PatternMetrics is a rolling-window metrics snapshot for one pattern.
// The window is maintained by an external aggregator (decay-approximated
// last-20); this core only reads it.
type PatternMetrics struct {
	InjectionCount int     `json:"injection_count_rolling_20"`
	SuccessCount   int     `json:"success_count_rolling_20"`
	FailureStreak  int     `json:"failure_streak"`
	HurtRate       float64 `json:"hurt_rate"`
}

// SuccessRate returns SuccessCount/InjectionCount, or 0 when there have been
// no injections.
func (m PatternMetrics) SuccessRate() float64 {
	if m.InjectionCount <= 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.InjectionCount)
}

// Pattern is the canonical unit under governance. Exactly one row is current
// per (domain, signature_hash); historical versions are retained for lineage.
type Pattern struct {
	ID            uuid.UUID       `json:"id"`
	Domain        string          `json:"domain"`
	SignatureHash string          `json:"signature_hash"`
	Version       int             `json:"version"`
	Status        LifecycleStatus `json:"lifecycle_status"`
	Tier          EvidenceTier    `json:"evidence_tier"`
	Confidence    float64         `json:"confidence"`
	Metrics       PatternMetrics  `json:"metrics"`
	IsCurrent     bool            `json:"is_current"`

	// Keywords, indicators, and labels of the medoid observation the
	// pattern was minted from. Used by the deduplicator to score new
	// candidates against existing lineages.
	Features FeatureSet `json:"features"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
