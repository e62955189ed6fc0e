// Package selector turns raw nearest-neighbor results into the candidate
// set handed to the decision agent. Pure filtering, no I/O.
package selector

import (
	"github.com/sabaki-ai/sabaki/internal/index"
	"github.com/sabaki-ai/sabaki/internal/model"
)

// Params controls candidate selection.
type Params struct {
	// Threshold is the minimum cosine similarity, inclusive. Neighbors
	// strictly below it are dropped.
	Threshold float64
	// MaxCandidates caps the candidate set after filtering.
	MaxCandidates int
}

// writableKinds are the relations the engine can add between two tickets.
var writableKinds = []model.RelationKind{
	model.RelationDuplicate,
	model.RelationBlocks,
	model.RelationRelatesTo,
}

// Select filters neighbors into ranked candidates for sourceKey.
//
// A neighbor is dropped when its score is below the threshold, when it is
// the source ticket itself, or when the source already links it with every
// writable relation kind (linked maps target keys to the kinds of existing
// links). A partially linked target stays a candidate so an existing
// relates_to can still be upgraded to duplicate; redundant same-kind
// writes are suppressed at apply time. Survivors keep the index ordering
// (score descending, key ascending on ties), are capped at MaxCandidates,
// and are ranked from 1. Given the same inputs the output is identical,
// which keeps re-triage runs reproducible.
func Select(sourceKey string, neighbors []index.Neighbor, linked map[string][]model.RelationKind, p Params) []model.Candidate {
	if p.MaxCandidates <= 0 {
		return nil
	}

	candidates := make([]model.Candidate, 0, p.MaxCandidates)
	for _, n := range neighbors {
		if float64(n.Score) < p.Threshold {
			// Neighbors arrive sorted by score, nothing after this passes.
			break
		}
		if n.Key == sourceKey {
			continue
		}
		if kinds, ok := linked[n.Key]; ok && fullyLinked(kinds) {
			continue
		}
		candidates = append(candidates, model.Candidate{
			SourceKey: sourceKey,
			TargetKey: n.Key,
			Score:     float64(n.Score),
			Rank:      len(candidates) + 1,
		})
		if len(candidates) == p.MaxCandidates {
			break
		}
	}

	if len(candidates) == 0 {
		return nil
	}
	return candidates
}

// fullyLinked reports whether every writable kind is already present, in
// which case no decision could add anything.
func fullyLinked(kinds []model.RelationKind) bool {
	for _, want := range writableKinds {
		found := false
		for _, k := range kinds {
			if k == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
