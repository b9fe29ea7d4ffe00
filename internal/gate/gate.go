// Package gate evaluates promotion and demotion eligibility for patterns.
//
// Evaluation is pure: a metrics snapshot plus thresholds in, a decision out.
// The same inputs always yield the same decision. All side effects live in
// the lifecycle applier.
package gate

import (
	"fmt"

	"github.com/kata-engine/kata/internal/model"
)

// Named reasons returned with gate decisions. The first failing rule
// short-circuits, so a decision always carries exactly one reason.
const (
	ReasonEligible         = "eligible"
	ReasonCooldownActive   = "cooldown_active"
	ReasonTierInsufficient = "evidence_tier_insufficient"
	ReasonSampleTooSmall   = "injection_count_below_minimum"
	ReasonSuccessRateBelow = "success_rate_below_threshold"
	ReasonFailureStreak    = "failure_streak_exceeded"
	ReasonManuallyDisabled = "manually_disabled"
	ReasonManualOverride   = "manual_disable_override"
	ReasonHurtRateExceeded = "hurt_rate_exceeded"
	ReasonNotPromotable    = "status_not_promotable"
	ReasonNotDemotable     = "status_not_demotable"
	ReasonHealthy          = "all_demotion_gates_passed"
)

// Thresholds are the externally-configured gate parameters. Nothing in this
// package hardcodes a limit; every number flows in from configuration.
type Thresholds struct {
	// Promotion PROVISIONAL → VALIDATED.
	PromoteMinInjections  int
	PromoteMinSuccessRate float64
	PromoteMaxStreak      int

	// Demotion VALIDATED → DEPRECATED.
	DemoteHurtRate      float64
	DemoteStreak        int
	DemoteSuccessRate   float64
	DemoteMinInjections int

	// CooldownHours suppresses any non-manual transition for a pattern
	// whose last transition is more recent than this, to prevent
	// oscillation.
	CooldownHours float64
}

// DefaultThresholds returns the standard gate parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PromoteMinInjections:  5,
		PromoteMinSuccessRate: 0.60,
		PromoteMaxStreak:      3,
		DemoteHurtRate:        0.25,
		DemoteStreak:          5,
		DemoteSuccessRate:     0.35,
		DemoteMinInjections:   10,
		CooldownHours:         24,
	}
}

// Validate rejects nonsensical threshold combinations at load time.
func (t Thresholds) Validate() error {
	if t.PromoteMinSuccessRate < 0 || t.PromoteMinSuccessRate > 1 {
		return fmt.Errorf("gate: promote success rate out of range: %v", t.PromoteMinSuccessRate)
	}
	if t.DemoteSuccessRate < 0 || t.DemoteSuccessRate > 1 {
		return fmt.Errorf("gate: demote success rate out of range: %v", t.DemoteSuccessRate)
	}
	if t.DemoteHurtRate <= 0 {
		return fmt.Errorf("gate: demote hurt rate must be positive: %v", t.DemoteHurtRate)
	}
	if t.CooldownHours < 0 {
		return fmt.Errorf("gate: cooldown hours negative: %v", t.CooldownHours)
	}
	return nil
}

// Input is everything a gate decision depends on. HoursSinceLast is derived
// from the audit log by the caller; ManuallyDisabled comes from the
// operator-facing disable list.
type Input struct {
	Status           model.LifecycleStatus
	Tier             model.EvidenceTier
	Metrics          model.PatternMetrics
	HoursSinceLast   float64
	ManuallyDisabled bool
}

// Decision is the outcome of a gate evaluation.
type Decision struct {
	Eligible bool
	ToStatus model.LifecycleStatus
	Reason   string
	Snapshot model.GateSnapshot
}

// Evaluator applies the configured thresholds.
type Evaluator struct {
	t Thresholds
}

// NewEvaluator creates an evaluator, validating the thresholds.
func NewEvaluator(t Thresholds) (*Evaluator, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{t: t}, nil
}

func snapshot(in Input) model.GateSnapshot {
	return model.GateSnapshot{
		Metrics:        in.Metrics,
		Tier:           in.Tier,
		Status:         in.Status,
		HoursSinceLast: in.HoursSinceLast,
	}
}

// EvaluatePromotion decides whether a pattern may move up one lifecycle
// stage. Rules run in order; the first failure short-circuits with its
// named reason.
func (e *Evaluator) EvaluatePromotion(in Input) Decision {
	d := Decision{Snapshot: snapshot(in)}

	if in.ManuallyDisabled {
		d.Reason = ReasonManuallyDisabled
		return d
	}
	if e.inCooldown(in) {
		d.Reason = ReasonCooldownActive
		return d
	}

	switch in.Status {
	case model.StatusCandidate:
		if in.Tier.Rank() < model.TierObserved.Rank() {
			d.Reason = ReasonTierInsufficient
			return d
		}
		d.Eligible = true
		d.ToStatus = model.StatusProvisional
		d.Reason = ReasonEligible
		return d

	case model.StatusProvisional:
		m := in.Metrics
		if m.InjectionCount < e.t.PromoteMinInjections {
			d.Reason = ReasonSampleTooSmall
			return d
		}
		if m.SuccessRate() < e.t.PromoteMinSuccessRate {
			d.Reason = ReasonSuccessRateBelow
			return d
		}
		if m.FailureStreak >= e.t.PromoteMaxStreak {
			d.Reason = ReasonFailureStreak
			return d
		}
		if in.Tier.Rank() < model.TierMeasured.Rank() {
			d.Reason = ReasonTierInsufficient
			return d
		}
		d.Eligible = true
		d.ToStatus = model.StatusValidated
		d.Reason = ReasonEligible
		return d
	}

	d.Reason = ReasonNotPromotable
	return d
}

// EvaluateDemotion decides whether a VALIDATED pattern should be demoted.
// Demotion is intentionally asymmetric: it requires stronger evidence than
// promotion requires success, so a brief noisy window cannot demote a
// healthy pattern. A manual disable bypasses every gate including cooldown.
func (e *Evaluator) EvaluateDemotion(in Input) Decision {
	d := Decision{Snapshot: snapshot(in)}

	if in.ManuallyDisabled {
		d.Eligible = true
		d.ToStatus = model.StatusDeprecated
		d.Reason = ReasonManualOverride
		return d
	}
	if in.Status != model.StatusValidated {
		d.Reason = ReasonNotDemotable
		return d
	}
	if e.inCooldown(in) {
		d.Reason = ReasonCooldownActive
		return d
	}

	m := in.Metrics
	switch {
	case m.HurtRate >= e.t.DemoteHurtRate:
		d.Eligible = true
		d.Reason = ReasonHurtRateExceeded
	case m.FailureStreak >= e.t.DemoteStreak:
		d.Eligible = true
		d.Reason = ReasonFailureStreak
	case m.InjectionCount >= e.t.DemoteMinInjections && m.SuccessRate() < e.t.DemoteSuccessRate:
		d.Eligible = true
		d.Reason = ReasonSuccessRateBelow
	default:
		d.Reason = ReasonHealthy
		return d
	}
	d.ToStatus = model.StatusDeprecated
	return d
}

// inCooldown reports whether the pattern's last transition is too recent.
// HoursSinceLast <= 0 means the pattern has never transitioned.
func (e *Evaluator) inCooldown(in Input) bool {
	return in.HoursSinceLast > 0 && in.HoursSinceLast < e.t.CooldownHours
}
