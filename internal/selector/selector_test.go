package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabaki-ai/sabaki/internal/index"
	"github.com/sabaki-ai/sabaki/internal/model"
)

func defaultParams() Params {
	return Params{Threshold: 0.75, MaxCandidates: 5}
}

func TestSelectFiltersBelowThreshold(t *testing.T) {
	neighbors := []index.Neighbor{
		{Key: "PROJ-2", Score: 0.92},
		{Key: "PROJ-3", Score: 0.80},
		{Key: "PROJ-4", Score: 0.74},
		{Key: "PROJ-5", Score: 0.10},
	}

	got := Select("PROJ-1", neighbors, nil, defaultParams())

	require.Len(t, got, 2)
	assert.Equal(t, "PROJ-2", got[0].TargetKey)
	assert.Equal(t, "PROJ-3", got[1].TargetKey)
}

func TestSelectThresholdInclusive(t *testing.T) {
	neighbors := []index.Neighbor{{Key: "PROJ-2", Score: 0.75}}
	got := Select("PROJ-1", neighbors, nil, defaultParams())
	require.Len(t, got, 1)
}

func TestSelectDropsFullyLinked(t *testing.T) {
	neighbors := []index.Neighbor{
		{Key: "PROJ-2", Score: 0.95},
		{Key: "PROJ-3", Score: 0.90},
		{Key: "PROJ-4", Score: 0.85},
	}
	all := []model.RelationKind{model.RelationDuplicate, model.RelationBlocks, model.RelationRelatesTo}
	linked := map[string][]model.RelationKind{"PROJ-2": all, "PROJ-4": all}

	got := Select("PROJ-1", neighbors, linked, defaultParams())

	require.Len(t, got, 1)
	assert.Equal(t, "PROJ-3", got[0].TargetKey)
	assert.Equal(t, 1, got[0].Rank, "ranks are reassigned after filtering")
}

func TestSelectKeepsPartiallyLinked(t *testing.T) {
	neighbors := []index.Neighbor{
		{Key: "PROJ-2", Score: 0.95},
		{Key: "PROJ-3", Score: 0.90},
	}
	// A relates_to link leaves room for an upgrade to duplicate, and a
	// link of an unmanaged type never blocks candidacy.
	linked := map[string][]model.RelationKind{
		"PROJ-2": {model.RelationRelatesTo},
		"PROJ-3": nil,
	}

	got := Select("PROJ-1", neighbors, linked, defaultParams())

	require.Len(t, got, 2)
	assert.Equal(t, "PROJ-2", got[0].TargetKey)
	assert.Equal(t, "PROJ-3", got[1].TargetKey)
}

func TestSelectDropsSelf(t *testing.T) {
	neighbors := []index.Neighbor{
		{Key: "PROJ-1", Score: 1.0},
		{Key: "PROJ-2", Score: 0.9},
	}

	got := Select("PROJ-1", neighbors, nil, defaultParams())

	require.Len(t, got, 1)
	assert.Equal(t, "PROJ-2", got[0].TargetKey)
}

func TestSelectCapsAtMaxCandidates(t *testing.T) {
	neighbors := []index.Neighbor{
		{Key: "PROJ-2", Score: 0.99},
		{Key: "PROJ-3", Score: 0.98},
		{Key: "PROJ-4", Score: 0.97},
		{Key: "PROJ-5", Score: 0.96},
	}

	got := Select("PROJ-1", neighbors, nil, Params{Threshold: 0.75, MaxCandidates: 2})

	require.Len(t, got, 2)
	assert.Equal(t, "PROJ-2", got[0].TargetKey)
	assert.Equal(t, "PROJ-3", got[1].TargetKey)
}

func TestSelectRanksAndSourceKey(t *testing.T) {
	neighbors := []index.Neighbor{
		{Key: "PROJ-9", Score: 0.91},
		{Key: "PROJ-7", Score: 0.88},
	}

	got := Select("PROJ-1", neighbors, nil, defaultParams())

	want := []model.Candidate{
		{SourceKey: "PROJ-1", TargetKey: "PROJ-9", Score: 0.91, Rank: 1},
		{SourceKey: "PROJ-1", TargetKey: "PROJ-7", Score: 0.88, Rank: 2},
	}
	assert.InDelta(t, want[0].Score, got[0].Score, 1e-6)
	got[0].Score, got[1].Score = want[0].Score, want[1].Score
	assert.Equal(t, want, got)
}

func TestSelectDeterministic(t *testing.T) {
	neighbors := []index.Neighbor{
		{Key: "PROJ-2", Score: 0.90},
		{Key: "PROJ-3", Score: 0.90},
		{Key: "PROJ-4", Score: 0.80},
	}

	first := Select("PROJ-1", neighbors, nil, defaultParams())
	for range 10 {
		assert.Equal(t, first, Select("PROJ-1", neighbors, nil, defaultParams()))
	}
}

func TestSelectEmpty(t *testing.T) {
	assert.Nil(t, Select("PROJ-1", nil, nil, defaultParams()))
	assert.Nil(t, Select("PROJ-1", []index.Neighbor{{Key: "PROJ-2", Score: 0.5}}, nil, defaultParams()))
	assert.Nil(t, Select("PROJ-1", []index.Neighbor{{Key: "PROJ-2", Score: 0.9}}, nil, Params{Threshold: 0.75, MaxCandidates: 0}))
}
