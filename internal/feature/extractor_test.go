package feature

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-engine/kata/internal/model"
)

func obsFixture(id string) model.Observation {
	return model.Observation{
		ID:          id,
		Domain:      "go-services",
		Content:     "func retryLoop(ctx context.Context) error { ... }",
		Identifiers: []string{"retryLoop", "ctx", "RetryLoop"},
		Imports:     []string{"context", "time"},
		Keywords:    []string{"retry", "backoff"},
		Shape:       model.Shape{Depth: 0.4, Branching: 0.2, Length: 0.3, CallDensity: 0.5},
		Labels:      []string{"resilience"},
		Context:     []string{"worker", "Worker"},
	}
}

func TestExtract(t *testing.T) {
	fs, err := Extract(obsFixture("obs-1"))
	require.NoError(t, err)

	assert.Equal(t, "obs-1", fs.ObservationID)
	assert.Equal(t, "go-services", fs.Domain)
	// Identifiers and imports merge into keywords: lowercased, deduped, sorted.
	assert.Equal(t, []string{"context", "ctx", "retryloop", "time"}, fs.Keywords)
	assert.Equal(t, []string{"backoff", "retry"}, fs.Indicators)
	assert.Equal(t, []string{"resilience"}, fs.Labels)
	assert.Equal(t, []string{"worker"}, fs.Context)
	assert.InDelta(t, 0.4, fs.Shape.Depth, 1e-9)
}

func TestExtract_EmptyContent(t *testing.T) {
	obs := obsFixture("obs-empty")
	obs.Content = "   \n\t"
	_, err := Extract(obs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyContent))
	assert.Contains(t, err.Error(), "obs-empty")
}

func TestExtract_Deterministic(t *testing.T) {
	// Shuffled input fields must yield identical feature sets.
	a := obsFixture("obs-det")
	b := obsFixture("obs-det")
	b.Identifiers = []string{"RetryLoop", "ctx", "retryLoop"}
	b.Imports = []string{"time", "context"}
	b.Context = []string{"Worker", "worker"}

	fsA, err := Extract(a)
	require.NoError(t, err)
	fsB, err := Extract(b)
	require.NoError(t, err)
	assert.Equal(t, fsA, fsB)
}

func TestExtract_EmptyFieldsStayNil(t *testing.T) {
	obs := model.Observation{ID: "obs-min", Domain: "d", Content: "x"}
	fs, err := Extract(obs)
	require.NoError(t, err)
	assert.Nil(t, fs.Keywords)
	assert.Nil(t, fs.Indicators)
	assert.Nil(t, fs.Labels)
	assert.Nil(t, fs.Context)

	// Whitespace-only entries normalize away entirely.
	obs.Labels = []string{"  ", ""}
	fs, err = Extract(obs)
	require.NoError(t, err)
	assert.Nil(t, fs.Labels)
}

func TestExtractBatch_SortsAndSkips(t *testing.T) {
	good1 := obsFixture("obs-b")
	good2 := obsFixture("obs-a")
	bad := obsFixture("obs-bad")
	bad.Content = ""

	sets, failed := ExtractBatch([]model.Observation{good1, bad, good2})

	require.Len(t, sets, 2)
	assert.Equal(t, "obs-a", sets[0].ObservationID)
	assert.Equal(t, "obs-b", sets[1].ObservationID)

	require.Len(t, failed, 1)
	assert.True(t, errors.Is(failed["obs-bad"], ErrEmptyContent))
}

func TestSignature_Stable(t *testing.T) {
	fs1, err := Extract(obsFixture("obs-sig"))
	require.NoError(t, err)
	fs2, err := Extract(obsFixture("obs-sig"))
	require.NoError(t, err)

	assert.Equal(t, Signature(fs1), Signature(fs2))
	assert.Len(t, Signature(fs1), 64)
}

func TestSignature_SensitiveToContent(t *testing.T) {
	base, err := Extract(obsFixture("obs-sen"))
	require.NoError(t, err)

	changed := base
	changed.Labels = []string{"caching"}
	assert.NotEqual(t, Signature(base), Signature(changed))

	changed = base
	changed.Shape.Depth = 0.41
	assert.NotEqual(t, Signature(base), Signature(changed))
}

func TestSignature_FieldBoundaries(t *testing.T) {
	// ["ab"] in keywords vs ["a","b"] must not collide, and moving a value
	// between fields must change the hash.
	a := model.FeatureSet{Keywords: []string{"ab"}}
	b := model.FeatureSet{Keywords: []string{"a", "b"}}
	assert.NotEqual(t, Signature(a), Signature(b))

	c := model.FeatureSet{Keywords: []string{"x"}}
	d := model.FeatureSet{Labels: []string{"x"}}
	assert.NotEqual(t, Signature(c), Signature(d))
}
