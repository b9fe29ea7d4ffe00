// Package cluster groups similar feature sets into canonical pattern
// candidates.
//
// Determinism is the load-bearing contract: given the same observation set
// (same IDs, same content, in any order), the engine produces identical
// cluster membership, leader assignment, and medoid selection on every run.
// Everything iterates over ID-sorted slices; nothing depends on map order
// or wall-clock time.
package cluster

import (
	"sort"

	"github.com/kata-engine/kata/internal/model"
	"github.com/kata-engine/kata/internal/similarity"
)

// Engine performs single-linkage clustering via union-find.
type Engine struct {
	scorer    *similarity.Scorer
	threshold float64
}

// NewEngine creates an engine. threshold is the minimum overall similarity
// for two observations to be linked (single linkage).
func NewEngine(scorer *similarity.Scorer, threshold float64) *Engine {
	if threshold <= 0 {
		threshold = 0.70
	}
	return &Engine{scorer: scorer, threshold: threshold}
}

// Cluster groups the given feature sets. Input order does not matter; the
// engine sorts by observation ID before pairing. Cluster IDs are assigned by
// the sorted order of each component's leader (smallest member ID), and each
// cluster's member list is sorted, so output is byte-identical across runs.
func (e *Engine) Cluster(sets []model.FeatureSet) []model.Cluster {
	if len(sets) == 0 {
		return nil
	}

	sorted := make([]model.FeatureSet, len(sets))
	copy(sorted, sets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObservationID < sorted[j].ObservationID })

	uf := newUnionFind(len(sorted))
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if e.scorer.Score(sorted[i], sorted[j]).Overall >= e.threshold {
				uf.union(i, j)
			}
		}
	}

	// Group member indexes by component root. Iterating i in sorted order
	// means each component's member list comes out ID-sorted and its first
	// element is the leader.
	components := make(map[int][]int)
	var roots []int
	for i := range sorted {
		r := uf.find(i)
		if _, ok := components[r]; !ok {
			roots = append(roots, r)
		}
		components[r] = append(components[r], i)
	}

	// Order clusters by leader ID. roots were appended in first-member
	// (i.e. leader) order, which is already the sorted-leader order, but
	// sort explicitly so the guarantee doesn't hinge on that subtlety.
	sort.Slice(roots, func(a, b int) bool {
		return sorted[components[roots[a]][0]].ObservationID < sorted[components[roots[b]][0]].ObservationID
	})

	clusters := make([]model.Cluster, 0, len(roots))
	for id, r := range roots {
		members := components[r]
		ids := make([]string, len(members))
		for k, idx := range members {
			ids[k] = sorted[idx].ObservationID
		}
		clusters = append(clusters, model.Cluster{
			ID:      id,
			Leader:  ids[0],
			Medoid:  e.medoid(sorted, members),
			Members: ids,
		})
	}
	return clusters
}

// medoid selects the member minimizing the sum of distances (1 - similarity)
// to all other members. Ties break to the smallest observation ID, which is
// the first index encountered because members are ID-sorted.
func (e *Engine) medoid(sorted []model.FeatureSet, members []int) string {
	best := members[0]
	bestTotal := 0.0
	for pos, i := range members {
		total := 0.0
		for _, j := range members {
			if i == j {
				continue
			}
			total += 1.0 - e.scorer.Score(sorted[i], sorted[j]).Overall
		}
		if pos == 0 || total < bestTotal {
			best = i
			bestTotal = total
		}
	}
	return sorted[best].ObservationID
}

// unionFind is a plain union-by-size disjoint set over slice indexes.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]] // path halving
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
}
