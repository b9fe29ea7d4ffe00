// Package feature extracts structured feature sets from raw observations.
//
// Extraction is a pure function: it performs no I/O and sorts every
// multi-valued field so iteration order never affects downstream hashing
// or comparison.
package feature

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kata-engine/kata/internal/model"
)

// ErrEmptyContent is returned for observations with no source content.
// Non-recoverable: callers skip the observation rather than retry.
var ErrEmptyContent = errors.New("feature: observation content is empty")

// Extract builds the deterministic feature set for a single observation.
func Extract(obs model.Observation) (model.FeatureSet, error) {
	if strings.TrimSpace(obs.Content) == "" {
		return model.FeatureSet{}, fmt.Errorf("observation %q: %w", obs.ID, ErrEmptyContent)
	}

	keywords := normalize(append(append([]string{}, obs.Identifiers...), obs.Imports...))

	return model.FeatureSet{
		ObservationID: obs.ID,
		Domain:        obs.Domain,
		Keywords:      keywords,
		Indicators:    normalize(obs.Keywords),
		Shape:         obs.Shape,
		Labels:        normalize(obs.Labels),
		Context:       normalize(obs.Context),
	}, nil
}

// ExtractBatch extracts every observation, returning the feature sets sorted
// by observation ID plus the per-observation errors for malformed input.
// A failed observation is skipped, not fatal to the batch.
func ExtractBatch(observations []model.Observation) ([]model.FeatureSet, map[string]error) {
	sets := make([]model.FeatureSet, 0, len(observations))
	failed := make(map[string]error)
	for _, obs := range observations {
		fs, err := Extract(obs)
		if err != nil {
			failed[obs.ID] = err
			continue
		}
		sets = append(sets, fs)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].ObservationID < sets[j].ObservationID })
	return sets, failed
}

// Signature returns the content hash of a feature set's identity components.
// Fields are already sorted, so the hash is stable across runs.
func Signature(fs model.FeatureSet) string {
	h := sha256.New()
	for _, part := range [][]string{fs.Keywords, fs.Indicators, fs.Labels} {
		for _, s := range part {
			h.Write([]byte(s))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	fmt.Fprintf(h, "%.6f|%.6f|%.6f|%.6f", fs.Shape.Depth, fs.Shape.Branching, fs.Shape.Length, fs.Shape.CallDensity)
	return hex.EncodeToString(h.Sum(nil))
}

// normalize lowercases, trims, deduplicates, and sorts a string set.
func normalize(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
