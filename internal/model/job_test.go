package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobState
		ok       bool
	}{
		{StateQueued, StateEmbedding, true},
		{StateEmbedding, StateCandidateSelection, true},
		{StateCandidateSelection, StateDeciding, true},
		{StateCandidateSelection, StateCompleted, true}, // empty candidate set short-circuits
		{StateDeciding, StateApplying, true},
		{StateApplying, StateCompleted, true},
		{StateQueued, StateFailed, true},
		{StateApplying, StateFailed, true},
		{StateQueued, StateDeciding, false},
		{StateEmbedding, StateCompleted, false},
		{StateCompleted, StateQueued, false},
		{StateFailed, StateEmbedding, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateQueued.Terminal())
	assert.False(t, StateApplying.Terminal())
}

func TestParsePriority(t *testing.T) {
	p, ok := ParsePriority("High")
	assert.True(t, ok)
	assert.Equal(t, PriorityHigh, p)
	assert.Equal(t, "High", p.TrackerName())

	p, ok = ParsePriority("  LOWEST ")
	assert.True(t, ok)
	assert.Equal(t, PriorityLowest, p)

	_, ok = ParsePriority("urgent")
	assert.False(t, ok)
}

func TestParseRelationKind(t *testing.T) {
	k, ok := ParseRelationKind("Duplicate")
	assert.True(t, ok)
	assert.Equal(t, RelationDuplicate, k)

	_, ok = ParseRelationKind("subsumes")
	assert.False(t, ok)
}

func TestArtifactComment(t *testing.T) {
	a := DerivedArtifact{
		UserStory:          "As a user, I can log in on Safari.",
		AcceptanceCriteria: []string{"login succeeds on Safari 17", "session persists after refresh"},
		Priority:           PriorityHigh,
	}
	c := a.Comment()
	assert.Contains(t, c, "user_story: As a user, I can log in on Safari.")
	assert.Contains(t, c, "1. login succeeds on Safari 17")
	assert.Contains(t, c, "2. session persists after refresh")
	assert.Contains(t, c, "priority: high")
}
