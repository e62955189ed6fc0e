// Package model defines the core domain types for ticket triage.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Priority is the tracker-side priority scale.
type Priority string

const (
	PriorityLowest  Priority = "lowest"
	PriorityLow     Priority = "low"
	PriorityMedium  Priority = "medium"
	PriorityHigh    Priority = "high"
	PriorityHighest Priority = "highest"
)

// ParsePriority normalizes a tracker or model-produced priority string.
// Returns false if the value is not one of the five known levels.
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PriorityLowest, PriorityLow, PriorityMedium, PriorityHigh, PriorityHighest:
		return p, true
	}
	return "", false
}

// TrackerName returns the capitalized form Jira uses for the priority field.
func (p Priority) TrackerName() string {
	if p == "" {
		return ""
	}
	s := string(p)
	return strings.ToUpper(s[:1]) + s[1:]
}

// Ticket is the engine's cached projection of a tracker issue.
// The tracker owns the record; the engine holds the fields it needs for
// triage plus the embedding of the ticket text.
type Ticket struct {
	Key         string           `json:"key"`
	Summary     string           `json:"summary"`
	Description string           `json:"description"`
	Status      string           `json:"status"`
	Priority    Priority         `json:"priority"`
	Embedding   *pgvector.Vector `json:"-"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Text returns the content embedded and sent to the reasoning backend:
// summary and description joined, matching what the tracker search returns.
func (t Ticket) Text() string {
	return strings.TrimSpace(t.Summary + " " + t.Description)
}

// Candidate is a ticket proposed as related to the ticket under triage.
// Derived and ephemeral: recomputed on every triage run, never persisted
// independently of a decision.
type Candidate struct {
	SourceKey string  `json:"source_key"`
	TargetKey string  `json:"target_key"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}

// RelationKind is the kind of link the decision agent may establish.
type RelationKind string

const (
	RelationDuplicate RelationKind = "duplicate"
	RelationBlocks    RelationKind = "blocks"
	RelationRelatesTo RelationKind = "relates_to"
	// RelationNone is a valid terminal decision that results in no write.
	RelationNone RelationKind = "none"
)

// ParseRelationKind normalizes a relation string from the reasoning backend.
func ParseRelationKind(s string) (RelationKind, bool) {
	k := RelationKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case RelationDuplicate, RelationBlocks, RelationRelatesTo, RelationNone:
		return k, true
	}
	return "", false
}

// LinkDecision is one decision about one candidate. Exactly one decision
// exists per candidate considered; kind "none" means no tracker write.
type LinkDecision struct {
	SourceKey  string       `json:"source_key"`
	TargetKey  string       `json:"target_key"`
	Kind       RelationKind `json:"kind"`
	Confidence float64      `json:"confidence"`
	Rationale  string       `json:"rationale,omitempty"`

	// Applied is set once the link has been written to the tracker,
	// so a partially applied job records exactly what landed.
	Applied bool `json:"applied"`
}

// DerivedArtifact is the per-ticket metadata synthesized during triage.
// At most one per ticket per run; overwritten on re-run, never appended.
type DerivedArtifact struct {
	UserStory          string   `json:"user_story"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Priority           Priority `json:"priority"`
}

// Comment renders the artifact as the tracker comment body.
func (a DerivedArtifact) Comment() string {
	var b strings.Builder
	fmt.Fprintf(&b, "user_story: %s\n", a.UserStory)
	b.WriteString("acceptance_criteria:\n")
	for i, c := range a.AcceptanceCriteria {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, c)
	}
	fmt.Fprintf(&b, "priority: %s", a.Priority)
	return b.String()
}
