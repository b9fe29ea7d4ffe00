package cluster

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/similarity"
)

// keywordScorer builds a scorer where overall similarity is exactly the
// keyword Jaccard, so the tests control pair similarity precisely.
func keywordScorer(t *testing.T) *similarity.Scorer {
	t.Helper()
	s, err := similarity.NewScorer(similarity.Weights{Keyword: 1.0})
	require.NoError(t, err)
	return s
}

func kwSet(id string, keywords ...string) model.FeatureSet {
	return model.FeatureSet{ObservationID: id, Keywords: keywords}
}

func TestCluster_Empty(t *testing.T) {
	e := NewEngine(keywordScorer(t), 0.5)
	assert.Nil(t, e.Cluster(nil))
	assert.Nil(t, e.Cluster([]model.FeatureSet{}))
}

func TestCluster_GroupsAboveThreshold(t *testing.T) {
	e := NewEngine(keywordScorer(t), 0.9)

	sets := []model.FeatureSet{
		kwSet("obs-a", "x", "y", "z"),
		kwSet("obs-b", "x", "y", "z"), // identical to a
		kwSet("obs-c", "w", "x", "y"), // sim 0.5 with a, below threshold
		kwSet("obs-d", "q"),           // disjoint
	}

	clusters := e.Cluster(sets)
	require.Len(t, clusters, 3)

	assert.Equal(t, []string{"obs-a", "obs-b"}, clusters[0].Members)
	assert.Equal(t, "obs-a", clusters[0].Leader)
	assert.Equal(t, []string{"obs-c"}, clusters[1].Members)
	assert.Equal(t, []string{"obs-d"}, clusters[2].Members)

	// Cluster IDs follow sorted-leader order.
	for i, cl := range clusters {
		assert.Equal(t, i, cl.ID)
	}
}

func TestCluster_SingleLinkage(t *testing.T) {
	// a~b and b~c link, a~c alone would not: single linkage still merges all
	// three into one component through b.
	e := NewEngine(keywordScorer(t), 0.6)

	sets := []model.FeatureSet{
		kwSet("obs-a", "1", "2", "3"),
		kwSet("obs-b", "1", "2", "3", "4"), // sim(a,b)=0.75, sim(b,c)=0.6
		kwSet("obs-c", "2", "3", "4", "5"), // sim(a,c)=0.4
	}

	clusters := e.Cluster(sets)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"obs-a", "obs-b", "obs-c"}, clusters[0].Members)
}

func TestCluster_ThresholdInclusive(t *testing.T) {
	// Similarity exactly at the threshold links.
	e := NewEngine(keywordScorer(t), 0.5)
	sets := []model.FeatureSet{
		kwSet("obs-a", "1", "2"),
		kwSet("obs-b", "1", "2", "3", "4"), // sim exactly 0.5
	}
	clusters := e.Cluster(sets)
	require.Len(t, clusters, 1)
}

func TestCluster_DeterministicUnderPermutation(t *testing.T) {
	e := NewEngine(keywordScorer(t), 0.6)

	sets := []model.FeatureSet{
		kwSet("obs-01", "a", "b", "c"),
		kwSet("obs-02", "a", "b", "c", "d"),
		kwSet("obs-03", "x", "y"),
		kwSet("obs-04", "x", "y", "z"),
		kwSet("obs-05", "lone"),
		kwSet("obs-06", "a", "b", "c"),
	}

	want := e.Cluster(sets)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([]model.FeatureSet, len(sets))
		copy(shuffled, sets)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, e.Cluster(shuffled), "trial %d", trial)
	}
}

func TestMedoid_MinimizesTotalDistance(t *testing.T) {
	e := NewEngine(keywordScorer(t), 0.5)

	// B and C each deviate from A in a different direction; A sits between
	// them and minimizes total distance.
	sets := []model.FeatureSet{
		kwSet("obs-a", "1", "2"),
		kwSet("obs-b", "1", "2", "3"),
		kwSet("obs-c", "1", "2", "4"),
	}

	clusters := e.Cluster(sets)
	require.Len(t, clusters, 1)
	assert.Equal(t, "obs-a", clusters[0].Medoid)
}

func TestMedoid_TieBreaksToSmallestID(t *testing.T) {
	e := NewEngine(keywordScorer(t), 0.5)

	// Identical sets: every member has total distance 0.
	sets := []model.FeatureSet{
		kwSet("obs-z", "p", "q"),
		kwSet("obs-a", "p", "q"),
		kwSet("obs-m", "p", "q"),
	}

	clusters := e.Cluster(sets)
	require.Len(t, clusters, 1)
	assert.Equal(t, "obs-a", clusters[0].Medoid)
	assert.Equal(t, "obs-a", clusters[0].Leader)
}

func TestMedoid_IsAlwaysMember(t *testing.T) {
	e := NewEngine(keywordScorer(t), 0.3)

	sets := []model.FeatureSet{
		kwSet("obs-1", "a", "b", "c"),
		kwSet("obs-2", "a", "b"),
		kwSet("obs-3", "b", "c"),
		kwSet("obs-4", "unrelated"),
	}

	for _, cl := range e.Cluster(sets) {
		assert.Contains(t, cl.Members, cl.Medoid)
		assert.Contains(t, cl.Members, cl.Leader)
	}
}

func TestMedoid_RoundTripsAgainstMembers(t *testing.T) {
	scorer := keywordScorer(t)
	e := NewEngine(scorer, 0.5)

	// A dense cluster: every pair overlaps on most keywords.
	sets := []model.FeatureSet{
		kwSet("obs-1", "retry", "backoff", "jitter"),
		kwSet("obs-2", "retry", "backoff", "jitter", "timeout"),
		kwSet("obs-3", "retry", "backoff", "timeout"),
		kwSet("obs-4", "retry", "backoff", "jitter"),
	}
	byID := make(map[string]model.FeatureSet, len(sets))
	for _, s := range sets {
		byID[s.ObservationID] = s
	}

	clusters := e.Cluster(sets)
	require.Len(t, clusters, 1)

	// Re-scoring the medoid against each member stays at or above the
	// clustering threshold.
	medoid := byID[clusters[0].Medoid]
	for _, id := range clusters[0].Members {
		b := scorer.Score(medoid, byID[id])
		assert.GreaterOrEqual(t, b.Overall, 0.5, "member %s", id)
	}
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, uf.find(i))
	}

	uf.union(0, 1)
	uf.union(3, 4)
	assert.Equal(t, uf.find(0), uf.find(1))
	assert.Equal(t, uf.find(3), uf.find(4))
	assert.NotEqual(t, uf.find(0), uf.find(3))

	// Redundant union is a no-op.
	uf.union(1, 0)
	assert.Equal(t, uf.find(0), uf.find(1))

	uf.union(1, 3)
	assert.Equal(t, uf.find(0), uf.find(4))
	assert.NotEqual(t, uf.find(0), uf.find(2))
}
