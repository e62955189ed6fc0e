package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/sabaki-ai/sabaki/internal/backoff"
	"github.com/sabaki-ai/sabaki/internal/model"
	"github.com/sabaki-ai/sabaki/internal/storage"
)

// embedBatchSize bounds one backfill embedding call.
const embedBatchSize = 64

// BackfillIndex embeds and indexes every unresolved ticket in the project.
// Run at startup so a fresh deployment (or a wiped index) has neighbors to
// query. Cached embeddings are reused when the tracker row hasn't moved,
// and stale tickets are embedded in batches, so a backfill over a large
// project costs a handful of provider calls rather than one per ticket.
func (c *Coordinator) BackfillIndex(ctx context.Context, project string) error {
	issues, err := c.tracker.SearchUnresolved(ctx, project)
	if err != nil {
		return err
	}
	c.logger.Info("triage: backfill started", "project", project, "tickets", len(issues))

	// Split tickets by cache freshness; stale records the ticket indexes
	// that still need an embedding.
	tickets := make([]model.Ticket, 0, len(issues))
	var stale []int
	for _, issue := range issues {
		ticket := issue.Ticket

		cached, err := c.store.GetTicket(ctx, ticket.Key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err == nil && cached.Embedding != nil && !cached.UpdatedAt.Before(ticket.UpdatedAt) {
			ticket.Embedding = cached.Embedding
		} else {
			stale = append(stale, len(tickets))
		}
		tickets = append(tickets, ticket)
	}

	for start := 0; start < len(stale); start += embedBatchSize {
		batch := stale[start:min(start+embedBatchSize, len(stale))]
		texts := make([]string, len(batch))
		for i, idx := range batch {
			texts[i] = tickets[idx].Text()
		}

		var vecs []pgvector.Vector
		out := backoff.Do(ctx, c.opts.RetryPolicy, nil, "embedding.embed_batch", func(ctx context.Context) error {
			var err error
			vecs, err = c.embedder.EmbedBatch(ctx, texts)
			return err
		})
		if out.Err != nil {
			return out.Err
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("triage: embed batch returned %d vectors for %d texts", len(vecs), len(batch))
		}

		for i, idx := range batch {
			vec := vecs[i]
			tickets[idx].Embedding = &vec
			if err := c.store.UpsertTicket(ctx, tickets[idx]); err != nil {
				return err
			}
		}
	}

	for _, ticket := range tickets {
		out := backoff.Do(ctx, c.opts.RetryPolicy, nil, "index.upsert", func(ctx context.Context) error {
			return c.index.Upsert(ctx, ticket.Key, ticket.Embedding.Slice(), ticket.UpdatedAt)
		})
		if out.Err != nil {
			return out.Err
		}
	}

	c.logger.Info("triage: backfill done", "project", project,
		"tickets", len(issues), "embedded", len(stale))
	return nil
}

// SweepExpiredJobs deletes terminal jobs older than retention. Intended to
// run periodically from main.
func (c *Coordinator) SweepExpiredJobs(ctx context.Context, retention time.Duration) {
	n, err := c.store.DeleteTerminalJobsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		c.logger.Error("triage: retention sweep", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("triage: swept expired jobs", "deleted", n)
	}
}
