package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/sabaki-ai/sabaki/internal/backoff"
	"github.com/sabaki-ai/sabaki/internal/index"
	"github.com/sabaki-ai/sabaki/internal/model"
	"github.com/sabaki-ai/sabaki/internal/reasoner"
	"github.com/sabaki-ai/sabaki/internal/selector"
	"github.com/sabaki-ai/sabaki/internal/tracker"
)

// ErrDraining is returned by Submit once shutdown has begun.
var ErrDraining = errors.New("triage: coordinator is draining")

// Options tunes the coordinator.
type Options struct {
	// WorkerPoolSize bounds concurrently running triage jobs.
	WorkerPoolSize int
	// SimilarityThreshold and MaxCandidates feed candidate selection.
	SimilarityThreshold float64
	MaxCandidates       int
	// RetryPolicy wraps tracker, embedding, and index calls. The reasoning
	// call uses the same delays but is retried at most once.
	RetryPolicy backoff.Policy
}

func (o *Options) fill() {
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = 4
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = 0.75
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 5
	}
	if o.RetryPolicy.MaxAttempts == 0 {
		o.RetryPolicy = backoff.DefaultPolicy()
	}
}

// Coordinator owns triage job lifecycle. For each ticket key at most one
// non-terminal job exists; duplicate submissions coalesce into it. Jobs
// run on a bounded worker pool, and every state transition is persisted
// before the next step starts.
type Coordinator struct {
	tracker  Tracker
	store    Store
	index    Index
	embedder Embedder
	decider  Decider
	logger   *slog.Logger
	opts     Options

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	byKey    map[string]uuid.UUID // ticket key -> non-terminal job ID
	draining bool

	sem     chan struct{}
	running sync.WaitGroup
}

// NewCoordinator wires the pipeline. Jobs run under a context detached
// from individual requests; Drain cancels it.
func NewCoordinator(tr Tracker, st Store, ix Index, em Embedder, de Decider, logger *slog.Logger, opts Options) *Coordinator {
	opts.fill()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		tracker:  tr,
		store:    st,
		index:    ix,
		embedder: em,
		decider:  de,
		logger:   logger,
		opts:     opts,
		baseCtx:  ctx,
		cancel:   cancel,
		byKey:    make(map[string]uuid.UUID),
		sem:      make(chan struct{}, opts.WorkerPoolSize),
	}
}

// Submit enqueues a triage run for the ticket. If a non-terminal job for
// the same key already exists, its ID is returned with coalesced=true and
// no new work is started.
func (c *Coordinator) Submit(ctx context.Context, ticketKey string) (id uuid.UUID, coalesced bool, err error) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return uuid.Nil, false, ErrDraining
	}
	if existing, ok := c.byKey[ticketKey]; ok {
		c.mu.Unlock()
		return existing, true, nil
	}

	now := time.Now().UTC()
	job := model.TriageJob{
		ID:        uuid.New(),
		TicketKey: ticketKey,
		State:     model.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.byKey[ticketKey] = job.ID
	c.running.Add(1)
	c.mu.Unlock()

	if err := c.store.CreateJob(ctx, job); err != nil {
		c.mu.Lock()
		delete(c.byKey, ticketKey)
		c.mu.Unlock()
		c.running.Done()
		return uuid.Nil, false, err
	}

	c.logger.Info("triage: job queued", "job_id", job.ID, "ticket", ticketKey)

	go func() {
		defer c.running.Done()
		defer c.finish(ticketKey)

		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-c.baseCtx.Done():
			c.fail(&job, c.baseCtx.Err())
			return
		}

		c.run(&job)
	}()

	return job.ID, false, nil
}

// Get returns the job by ID. Every transition is persisted, so the store
// is authoritative.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (model.TriageJob, error) {
	return c.store.GetJob(ctx, id)
}

// List returns jobs newest-first, optionally filtered by ticket key.
func (c *Coordinator) List(ctx context.Context, ticketKey string, limit, offset int) ([]model.TriageJob, error) {
	return c.store.ListJobs(ctx, ticketKey, limit, offset)
}

// InFlight returns the number of jobs not yet terminal. Exposed as a
// readiness signal: a saturated pool still accepts submissions but reports
// degraded.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Saturated reports whether every worker slot is busy.
func (c *Coordinator) Saturated() bool {
	return len(c.sem) == cap(c.sem)
}

// Drain stops accepting submissions, cancels in-flight jobs, and waits for
// them to record a terminal state or ctx to expire.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("triage: drain timed out: %w", ctx.Err())
	}
}

func (c *Coordinator) finish(ticketKey string) {
	c.mu.Lock()
	delete(c.byKey, ticketKey)
	c.mu.Unlock()
}

// transition advances the job and persists it. Persistence failures abort
// the run: continuing past an unrecorded transition would make the journal
// lie about what was applied.
func (c *Coordinator) transition(job *model.TriageJob, to model.JobState) error {
	if !model.CanTransition(job.State, to) {
		return fmt.Errorf("triage: illegal transition %s -> %s", job.State, to)
	}
	job.State = to
	job.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateJob(c.baseCtx, job.Clone()); err != nil {
		return fmt.Errorf("triage: persist transition to %s: %w", to, err)
	}
	c.logger.Debug("triage: state", "job_id", job.ID, "ticket", job.TicketKey, "state", to)
	return nil
}

// fail records the terminal failed state with a classified reason. Uses a
// fresh context so the failure is journaled even when the run's context
// is the thing that died.
func (c *Coordinator) fail(job *model.TriageJob, cause error) {
	job.State = model.StateFailed
	job.FailureReason = classifyFailure(cause)
	job.Error = cause.Error()
	job.UpdatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.UpdateJob(ctx, job.Clone()); err != nil {
		c.logger.Error("triage: persist failure state", "job_id", job.ID, "error", err)
	}
	c.logger.Warn("triage: job failed",
		"job_id", job.ID, "ticket", job.TicketKey,
		"reason", job.FailureReason, "error", cause)
}

func classifyFailure(err error) model.FailureReason {
	switch {
	case errors.Is(err, context.Canceled):
		return model.FailureCancelled
	case errors.Is(err, reasoner.ErrMalformedOutput):
		return model.FailureMalformedOutput
	case backoff.DefaultClassifier(err) == backoff.ClassTransient:
		return model.FailureTransientExternal
	default:
		return model.FailurePermanentExternal
	}
}

// run executes the pipeline for one job. Each stage persists before the
// next begins; any error lands the job in failed with a classified reason.
func (c *Coordinator) run(job *model.TriageJob) {
	ctx := c.baseCtx
	c.logger.Info("triage: job started", "job_id", job.ID, "ticket", job.TicketKey)

	ticket, linked, err := c.stageEmbed(ctx, job)
	if err != nil {
		c.fail(job, err)
		return
	}

	candidates, targets, err := c.stageSelect(ctx, job, ticket, linked)
	if err != nil {
		c.fail(job, err)
		return
	}
	if len(candidates) == 0 {
		// Nothing to decide on and nothing to write.
		if err := c.transition(job, model.StateCompleted); err != nil {
			c.fail(job, err)
			return
		}
		c.logger.Info("triage: completed with no candidates", "job_id", job.ID, "ticket", job.TicketKey)
		return
	}

	result, err := c.stageDecide(ctx, job, ticket, candidates, targets)
	if err != nil {
		c.fail(job, err)
		return
	}

	if err := c.stageApply(ctx, job, ticket, result, linked); err != nil {
		c.fail(job, err)
		return
	}

	if err := c.transition(job, model.StateCompleted); err != nil {
		c.fail(job, err)
		return
	}
	c.logger.Info("triage: job completed", "job_id", job.ID, "ticket", job.TicketKey)
}

// stageEmbed fetches the ticket, embeds its text, and writes the cache row
// and index point.
func (c *Coordinator) stageEmbed(ctx context.Context, job *model.TriageJob) (model.Ticket, map[string][]model.RelationKind, error) {
	if err := c.transition(job, model.StateEmbedding); err != nil {
		return model.Ticket{}, nil, err
	}

	var issue tracker.Issue
	out := backoff.Do(ctx, c.opts.RetryPolicy, nil, "tracker.get_issue", func(ctx context.Context) error {
		var err error
		issue, err = c.tracker.GetIssue(ctx, job.TicketKey)
		return err
	})
	if out.Err != nil {
		return model.Ticket{}, nil, out.Err
	}
	ticket := issue.Ticket

	var vec pgvector.Vector
	out = backoff.Do(ctx, c.opts.RetryPolicy, nil, "embedding.embed", func(ctx context.Context) error {
		var err error
		vec, err = c.embedder.Embed(ctx, ticket.Text())
		return err
	})
	if out.Err != nil {
		return model.Ticket{}, nil, out.Err
	}
	ticket.Embedding = &vec

	if err := c.store.UpsertTicket(ctx, ticket); err != nil {
		return model.Ticket{}, nil, err
	}

	out = backoff.Do(ctx, c.opts.RetryPolicy, nil, "index.upsert", func(ctx context.Context) error {
		return c.index.Upsert(ctx, ticket.Key, vec.Slice(), ticket.UpdatedAt)
	})
	if out.Err != nil {
		return model.Ticket{}, nil, out.Err
	}

	return ticket, issue.Links, nil
}

// stageSelect queries the index and filters neighbors into candidates.
// Over-fetches beyond the cap so exclusions don't starve the set.
func (c *Coordinator) stageSelect(ctx context.Context, job *model.TriageJob, ticket model.Ticket, linked map[string][]model.RelationKind) ([]model.Candidate, map[string]model.Ticket, error) {
	if err := c.transition(job, model.StateCandidateSelection); err != nil {
		return nil, nil, err
	}

	fetchK := c.opts.MaxCandidates + len(linked)
	var neighbors []index.Neighbor
	out := backoff.Do(ctx, c.opts.RetryPolicy, nil, "index.query", func(ctx context.Context) error {
		var err error
		neighbors, err = c.index.Query(ctx, ticket.Embedding.Slice(), fetchK, ticket.Key)
		return err
	})
	if out.Err != nil {
		return nil, nil, out.Err
	}

	candidates := selector.Select(ticket.Key, neighbors, linked, selector.Params{
		Threshold:     c.opts.SimilarityThreshold,
		MaxCandidates: c.opts.MaxCandidates,
	})

	targets := make(map[string]model.Ticket, len(candidates))
	for _, cand := range candidates {
		target, err := c.store.GetTicket(ctx, cand.TargetKey)
		if err != nil {
			// Index point without a cache row; refetch from the tracker.
			var issue tracker.Issue
			out := backoff.Do(ctx, c.opts.RetryPolicy, nil, "tracker.get_issue", func(ctx context.Context) error {
				var err error
				issue, err = c.tracker.GetIssue(ctx, cand.TargetKey)
				return err
			})
			if out.Err != nil {
				return nil, nil, out.Err
			}
			target = issue.Ticket
		}
		targets[cand.TargetKey] = target
	}

	return candidates, targets, nil
}

// stageDecide makes the single reasoning call. A timed-out or transient
// failure is retried exactly once; malformed output is permanent.
func (c *Coordinator) stageDecide(ctx context.Context, job *model.TriageJob, ticket model.Ticket, candidates []model.Candidate, targets map[string]model.Ticket) (reasoner.Result, error) {
	if err := c.transition(job, model.StateDeciding); err != nil {
		return reasoner.Result{}, err
	}

	policy := backoff.Policy{
		MaxAttempts: 2,
		BaseDelay:   c.opts.RetryPolicy.BaseDelay,
		MaxDelay:    c.opts.RetryPolicy.MaxDelay,
	}

	var result reasoner.Result
	out := backoff.Do(ctx, policy, nil, "reasoner.decide", func(ctx context.Context) error {
		var err error
		result, err = c.decider.Decide(ctx, reasoner.Input{
			Source:     ticket,
			Candidates: candidates,
			Targets:    targets,
		})
		return err
	})
	if out.Err != nil {
		return reasoner.Result{}, out.Err
	}

	job.Decisions = result.Decisions
	job.Artifact = &result.Artifact
	return result, nil
}

// stageApply writes decisions and the artifact to the tracker. Writes are
// sequential per ticket, each journaled before the next starts, so a crash
// mid-apply leaves an exact record of what landed. A link already present
// in the tracker or the ledger is skipped, which makes re-triage
// idempotent per relation kind.
func (c *Coordinator) stageApply(ctx context.Context, job *model.TriageJob, ticket model.Ticket, result reasoner.Result, linked map[string][]model.RelationKind) error {
	if err := c.transition(job, model.StateApplying); err != nil {
		return err
	}

	for i := range job.Decisions {
		d := &job.Decisions[i]
		if d.Kind == model.RelationNone {
			continue
		}

		if hasKind(linked[d.TargetKey], d.Kind) {
			// The tracker already holds this exact link. Record it in the
			// ledger so later runs short-circuit without the issue fetch.
			if err := c.store.RecordAppliedLink(ctx, *d); err != nil {
				return err
			}
			d.Applied = true
			c.logger.Debug("triage: link already in tracker, skipping",
				"job_id", job.ID, "source", d.SourceKey, "target", d.TargetKey, "kind", d.Kind)
			continue
		}

		applied, err := c.store.HasAppliedLink(ctx, *d)
		if err != nil {
			return err
		}
		if applied {
			d.Applied = true
			c.logger.Debug("triage: link already applied, skipping",
				"job_id", job.ID, "source", d.SourceKey, "target", d.TargetKey, "kind", d.Kind)
			continue
		}

		out := backoff.Do(ctx, c.opts.RetryPolicy, nil, "tracker.create_link", func(ctx context.Context) error {
			return c.tracker.CreateLink(ctx, *d)
		})
		if out.Err != nil {
			// Journal the partial progress before failing.
			job.UpdatedAt = time.Now().UTC()
			if perr := c.store.UpdateJob(c.baseCtx, job.Clone()); perr != nil {
				c.logger.Error("triage: persist partial apply", "job_id", job.ID, "error", perr)
			}
			return out.Err
		}

		if err := c.store.RecordAppliedLink(ctx, *d); err != nil {
			return err
		}
		d.Applied = true
		job.UpdatedAt = time.Now().UTC()
		if err := c.store.UpdateJob(ctx, job.Clone()); err != nil {
			return err
		}
	}

	if result.Artifact.Priority != "" && result.Artifact.Priority != ticket.Priority {
		out := backoff.Do(ctx, c.opts.RetryPolicy, nil, "tracker.update_priority", func(ctx context.Context) error {
			return c.tracker.UpdatePriority(ctx, ticket.Key, result.Artifact.Priority)
		})
		if out.Err != nil {
			return out.Err
		}
	}

	out := backoff.Do(ctx, c.opts.RetryPolicy, nil, "tracker.add_comment", func(ctx context.Context) error {
		return c.tracker.AddComment(ctx, ticket.Key, result.Artifact.Comment())
	})
	if out.Err != nil {
		return out.Err
	}

	return nil
}

func hasKind(kinds []model.RelationKind, kind model.RelationKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
