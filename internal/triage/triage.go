// Package triage runs the per-ticket triage pipeline: embed, select
// candidates, decide, apply. The Coordinator owns job lifecycle, coalescing
// of duplicate submissions, and the bounded worker pool.
package triage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/sabaki-ai/sabaki/internal/index"
	"github.com/sabaki-ai/sabaki/internal/model"
	"github.com/sabaki-ai/sabaki/internal/reasoner"
	"github.com/sabaki-ai/sabaki/internal/tracker"
)

// Tracker is the slice of the issue tracker the pipeline needs.
type Tracker interface {
	GetIssue(ctx context.Context, key string) (tracker.Issue, error)
	SearchUnresolved(ctx context.Context, project string) ([]tracker.Issue, error)
	CreateLink(ctx context.Context, d model.LinkDecision) error
	UpdatePriority(ctx context.Context, key string, p model.Priority) error
	AddComment(ctx context.Context, key, comment string) error
}

// Store is the persistence slice the pipeline needs.
type Store interface {
	UpsertTicket(ctx context.Context, t model.Ticket) error
	GetTicket(ctx context.Context, key string) (model.Ticket, error)
	CreateJob(ctx context.Context, job model.TriageJob) error
	UpdateJob(ctx context.Context, job model.TriageJob) error
	GetJob(ctx context.Context, id uuid.UUID) (model.TriageJob, error)
	ListJobs(ctx context.Context, ticketKey string, limit, offset int) ([]model.TriageJob, error)
	RecordAppliedLink(ctx context.Context, d model.LinkDecision) error
	HasAppliedLink(ctx context.Context, d model.LinkDecision) (bool, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Embedder generates ticket embeddings. The pipeline embeds one ticket
// per job; backfill uses batch calls.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)
	Dimensions() int
}

// Decider is the decision agent.
type Decider interface {
	Decide(ctx context.Context, in reasoner.Input) (reasoner.Result, error)
}

// Index is the vector similarity index.
type Index = index.Index
