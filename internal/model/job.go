package model

import (
	"time"

	"github.com/google/uuid"
)

// JobState is a triage job's position in its lifecycle.
type JobState string

const (
	StateQueued             JobState = "queued"
	StateEmbedding          JobState = "embedding"
	StateCandidateSelection JobState = "candidate_selection"
	StateDeciding           JobState = "deciding"
	StateApplying           JobState = "applying"
	StateCompleted          JobState = "completed"
	StateFailed             JobState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// jobTransitions is the legal state machine. A job may fail from any
// non-terminal state (external errors, cancellation).
var jobTransitions = map[JobState][]JobState{
	StateQueued:             {StateEmbedding, StateFailed},
	StateEmbedding:          {StateCandidateSelection, StateFailed},
	StateCandidateSelection: {StateDeciding, StateCompleted, StateFailed},
	StateDeciding:           {StateApplying, StateFailed},
	StateApplying:           {StateCompleted, StateFailed},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureReason classifies why a job reached the failed state.
type FailureReason string

const (
	FailureTransientExternal FailureReason = "transient_external"
	FailurePermanentExternal FailureReason = "permanent_external"
	FailureMalformedOutput   FailureReason = "malformed_output"
	FailureCancelled         FailureReason = "cancelled"
)

// TriageJob is the per-ticket triage lifecycle record. For a given ticket
// key at most one non-terminal job exists at any time; duplicate
// submissions coalesce into the existing job.
type TriageJob struct {
	ID        uuid.UUID        `json:"id"`
	TicketKey string           `json:"ticket_key"`
	State     JobState         `json:"state"`
	Decisions []LinkDecision   `json:"decisions,omitempty"`
	Artifact  *DerivedArtifact `json:"artifact,omitempty"`

	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Error         string        `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy. The worker goroutine keeps mutating its job
// while snapshots go to persistence, so shared backing arrays would race.
func (j TriageJob) Clone() TriageJob {
	out := j
	if j.Decisions != nil {
		out.Decisions = make([]LinkDecision, len(j.Decisions))
		copy(out.Decisions, j.Decisions)
	}
	if j.Artifact != nil {
		a := *j.Artifact
		if j.Artifact.AcceptanceCriteria != nil {
			a.AcceptanceCriteria = make([]string, len(j.Artifact.AcceptanceCriteria))
			copy(a.AcceptanceCriteria, j.Artifact.AcceptanceCriteria)
		}
		out.Artifact = &a
	}
	return out
}
