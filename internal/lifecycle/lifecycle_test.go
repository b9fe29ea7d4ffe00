package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-engine/kata/internal/gate"
	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/storage"
	"github.com/kata-engine/kata/internal/testutil"
)

var (
	testDB     *storage.DB
	testLogger *slog.Logger
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	var err error
	testDB, err = tc.NewTestDB(ctx, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func createTestPattern(t *testing.T) model.Pattern {
	t.Helper()
	p, err := testDB.CreatePattern(context.Background(), model.Pattern{
		Domain:        "dom-" + uuid.New().String()[:8],
		SignatureHash: "sig-" + uuid.New().String()[:8],
		Confidence:    0.7,
		Features: model.FeatureSet{
			Keywords: []string{"retry", "backoff"},
		},
	})
	require.NoError(t, err)
	return p
}

func setMetrics(t *testing.T, id uuid.UUID, m model.PatternMetrics, tier model.EvidenceTier) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(),
		`UPDATE patterns
		 SET injection_count = $2, success_count = $3, failure_streak = $4,
		     hurt_rate = $5, evidence_tier = $6
		 WHERE id = $1`,
		id, m.InjectionCount, m.SuccessCount, m.FailureStreak, m.HurtRate, tier)
	require.NoError(t, err)
}

func applyReq(p model.Pattern, from, to model.LifecycleStatus, key string) Request {
	return Request{
		PatternID:      p.ID,
		FromStatus:     from,
		ToStatus:       to,
		Trigger:        model.TriggerPromote,
		Reason:         gate.ReasonEligible,
		Snapshot:       model.GateSnapshot{Status: from, Tier: p.Tier},
		Actor:          "test",
		IdempotencyKey: key,
	}
}

func TestValidTarget(t *testing.T) {
	cases := []struct {
		name    string
		from    model.LifecycleStatus
		to      model.LifecycleStatus
		trigger model.TransitionTrigger
		ok      bool
		reason  string
	}{
		{"candidate to provisional", model.StatusCandidate, model.StatusProvisional, model.TriggerPromote, true, ""},
		{"provisional to validated", model.StatusProvisional, model.StatusValidated, model.TriggerPromote, true, ""},
		{"validated to deprecated", model.StatusValidated, model.StatusDeprecated, model.TriggerDemote, true, ""},
		{"seed is never a target", model.StatusValidated, model.StatusSeed, model.TriggerManual, false, "transition_to_seed_forbidden"},
		{"unknown from status", model.LifecycleStatus("LIMBO"), model.StatusProvisional, model.TriggerPromote, false, "unknown_lifecycle_status"},
		{"unknown to status", model.StatusCandidate, model.LifecycleStatus("LIMBO"), model.TriggerPromote, false, "unknown_lifecycle_status"},
		{"blacklist needs manual trigger", model.StatusValidated, model.StatusBlacklisted, model.TriggerDemote, false, "blacklist_requires_manual_trigger"},
		{"manual blacklist from candidate", model.StatusCandidate, model.StatusBlacklisted, model.TriggerManual, true, ""},
		{"manual blacklist from deprecated", model.StatusDeprecated, model.StatusBlacklisted, model.TriggerManual, true, ""},
		{"manual deprecation from provisional", model.StatusProvisional, model.StatusDeprecated, model.TriggerManual, true, ""},
		{"skipping provisional not allowed", model.StatusCandidate, model.StatusValidated, model.TriggerPromote, false, "edge_not_allowed_CANDIDATE_to_VALIDATED"},
		{"no resurrection", model.StatusDeprecated, model.StatusValidated, model.TriggerPromote, false, "edge_not_allowed_DEPRECATED_to_VALIDATED"},
		{"gate cannot deprecate provisional", model.StatusProvisional, model.StatusDeprecated, model.TriggerDemote, false, "edge_not_allowed_PROVISIONAL_to_DEPRECATED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := validTarget(Request{FromStatus: tc.from, ToStatus: tc.to, Trigger: tc.trigger})
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestApplyRequiresIdempotencyKey(t *testing.T) {
	a := NewApplier(testDB, nil, testLogger)
	res, err := a.Apply(context.Background(), applyReq(createTestPattern(t), model.StatusCandidate, model.StatusProvisional, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeValidationError, res.Outcome)
	assert.Equal(t, "idempotency_key_required", res.Reason)
}

func TestApplyRejectsInvalidEdge(t *testing.T) {
	ctx := context.Background()
	a := NewApplier(testDB, nil, testLogger)
	p := createTestPattern(t)

	res, err := a.Apply(ctx, applyReq(p, model.StatusCandidate, model.StatusValidated, uuid.New().String()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeValidationError, res.Outcome)
	assert.Equal(t, "edge_not_allowed_CANDIDATE_to_VALIDATED", res.Reason)

	// Rejected before any write: status untouched, no audit record.
	got, err := testDB.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCandidate, got.Status)
	audit, err := testDB.ListTransitions(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestApplySuccess(t *testing.T) {
	ctx := context.Background()
	a := NewApplier(testDB, nil, testLogger)
	p := createTestPattern(t)

	res, err := a.Apply(ctx, applyReq(p, model.StatusCandidate, model.StatusProvisional, uuid.New().String()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, p.ID, res.PatternID)
	assert.Equal(t, model.StatusCandidate, res.FromStatus)
	assert.Equal(t, model.StatusProvisional, res.ToStatus)
	assert.NotEqual(t, uuid.Nil, res.TransitionID)
	assert.False(t, res.NotificationDelivered) // no publisher configured

	got, err := testDB.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProvisional, got.Status)

	audit, err := testDB.ListTransitions(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, res.TransitionID, audit[0].ID)
	assert.Equal(t, gate.ReasonEligible, audit[0].Reason)
	assert.Equal(t, "test", audit[0].Actor)
}

func TestApplyReplayPreservesOriginalResult(t *testing.T) {
	ctx := context.Background()
	a := NewApplier(testDB, nil, testLogger)
	p := createTestPattern(t)
	req := applyReq(p, model.StatusCandidate, model.StatusProvisional, uuid.New().String())

	first, err := a.Apply(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, first.Outcome)

	second, err := a.Apply(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdempotentNoop, second.Outcome)
	assert.Equal(t, first.TransitionID, second.TransitionID)
	assert.Equal(t, first.ToStatus, second.ToStatus)
	assert.WithinDuration(t, first.OccurredAt, second.OccurredAt, time.Millisecond)

	audit, err := testDB.ListTransitions(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestApplyStatusMismatch(t *testing.T) {
	ctx := context.Background()
	a := NewApplier(testDB, nil, testLogger)
	p := createTestPattern(t)

	// Claims the pattern is VALIDATED; it is still CANDIDATE.
	res, err := a.Apply(ctx, applyReq(p, model.StatusValidated, model.StatusDeprecated, uuid.New().String()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStatusMismatch, res.Outcome)

	got, err := testDB.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCandidate, got.Status)
}

func TestApplyNotFound(t *testing.T) {
	a := NewApplier(testDB, nil, testLogger)
	req := applyReq(model.Pattern{ID: uuid.New()}, model.StatusCandidate, model.StatusProvisional, uuid.New().String())
	res, err := a.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

func TestPgPublisherDeliversNotification(t *testing.T) {
	ctx := context.Background()
	a := NewApplier(testDB, NewPgPublisher(testDB), testLogger)
	p := createTestPattern(t)

	require.NoError(t, testDB.Listen(ctx, storage.ChannelTransitions))

	res, err := a.Apply(ctx, applyReq(p, model.StatusCandidate, model.StatusProvisional, uuid.New().String()))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.True(t, res.NotificationDelivered)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	channel, payload, err := testDB.WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelTransitions, channel)

	var got struct {
		TransitionID uuid.UUID             `json:"transition_id"`
		PatternID    uuid.UUID             `json:"pattern_id"`
		ToStatus     model.LifecycleStatus `json:"to_status"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload), &got))
	assert.Equal(t, res.TransitionID, got.TransitionID)
	assert.Equal(t, p.ID, got.PatternID)
	assert.Equal(t, model.StatusProvisional, got.ToStatus)
}

func newTestGovernor(t *testing.T) *Governor {
	t.Helper()
	ev, err := gate.NewEvaluator(gate.DefaultThresholds())
	require.NoError(t, err)
	return NewGovernor(testDB, ev, NewApplier(testDB, nil, testLogger), testLogger)
}

func TestGovernorPromotesObservedCandidate(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t)
	p := createTestPattern(t)

	res, applied, err := g.Evaluate(ctx, p.ID, false, "gate_sweep")
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, model.StatusProvisional, res.ToStatus)
	assert.Equal(t, gate.ReasonEligible, res.Reason)

	audit, err := testDB.ListTransitions(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.TriggerPromote, audit[0].Trigger)
	assert.Equal(t, "gate_sweep", audit[0].Actor)
	assert.Equal(t, model.StatusCandidate, audit[0].GateSnapshot.Status)
}

func TestGovernorCooldownBlocksImmediateReevaluation(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t)
	p := createTestPattern(t)

	_, applied, err := g.Evaluate(ctx, p.ID, false, "gate_sweep")
	require.NoError(t, err)
	require.True(t, applied)

	// Metrics that would clear the validation gate, but the promotion an
	// instant ago puts the pattern in cooldown.
	setMetrics(t, p.ID, model.PatternMetrics{InjectionCount: 10, SuccessCount: 9}, model.TierMeasured)

	_, applied, err = g.Evaluate(ctx, p.ID, false, "gate_sweep")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := testDB.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProvisional, got.Status)
}

func TestGovernorManualDisableDeprecates(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t)
	p := createTestPattern(t)

	res, applied, err := g.Evaluate(ctx, p.ID, true, "operator")
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, model.StatusDeprecated, res.ToStatus)
	assert.Equal(t, gate.ReasonManualOverride, res.Reason)

	audit, err := testDB.ListTransitions(ctx, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.TriggerManual, audit[0].Trigger)
}

func TestGovernorNoGateFires(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t)
	p := createTestPattern(t)

	// Promote once, then park the pattern with metrics that satisfy neither
	// gate and a last transition old enough to clear cooldown.
	_, applied, err := g.Evaluate(ctx, p.ID, false, "gate_sweep")
	require.NoError(t, err)
	require.True(t, applied)
	setMetrics(t, p.ID, model.PatternMetrics{InjectionCount: 3, SuccessCount: 2}, model.TierMeasured)
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE pattern_transitions SET occurred_at = now() - interval '48 hours' WHERE pattern_id = $1`, p.ID)
	require.NoError(t, err)

	_, applied, err = g.Evaluate(ctx, p.ID, false, "gate_sweep")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestGovernorUnknownPattern(t *testing.T) {
	g := newTestGovernor(t)
	_, applied, err := g.Evaluate(context.Background(), uuid.New(), false, "gate_sweep")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, applied)
}
