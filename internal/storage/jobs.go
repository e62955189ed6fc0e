package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sabaki-ai/sabaki/internal/model"
)

// CreateJob inserts a new triage job row.
func (db *DB) CreateJob(ctx context.Context, job model.TriageJob) error {
	decisions, artifact, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO triage_jobs (id, ticket_key, state, decisions, artifact, failure_reason, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.TicketKey, job.State, decisions, artifact,
		nullIfEmpty(string(job.FailureReason)), nullIfEmpty(job.Error),
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob persists the job's current state, decisions, and artifact.
// Called on every state transition so a crash never loses more than the
// in-flight step.
func (db *DB) UpdateJob(ctx context.Context, job model.TriageJob) error {
	decisions, artifact, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	err = WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx, `
			UPDATE triage_jobs
			SET state = $2, decisions = $3, artifact = $4, failure_reason = $5, error = $6, updated_at = $7
			WHERE id = $1
		`, job.ID, job.State, decisions, artifact,
			nullIfEmpty(string(job.FailureReason)), nullIfEmpty(job.Error),
			job.UpdatedAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("storage: update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob loads one job by ID.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.TriageJob, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, ticket_key, state, decisions, artifact, failure_reason, error, created_at, updated_at
		FROM triage_jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// ListJobs returns jobs newest-first, optionally filtered by ticket key,
// with limit/offset pagination.
func (db *DB) ListJobs(ctx context.Context, ticketKey string, limit, offset int) ([]model.TriageJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id, ticket_key, state, decisions, artifact, failure_reason, error, created_at, updated_at
		FROM triage_jobs
		WHERE ($1 = '' OR ticket_key = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, ticketKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.TriageJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteTerminalJobsBefore removes completed and failed jobs older than
// cutoff. Returns the number of rows removed. Non-terminal jobs are never
// swept regardless of age.
func (db *DB) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM triage_jobs
		WHERE state IN ('completed', 'failed') AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalJobBlobs(job model.TriageJob) ([]byte, []byte, error) {
	var decisions, artifact []byte
	var err error
	if job.Decisions != nil {
		if decisions, err = json.Marshal(job.Decisions); err != nil {
			return nil, nil, fmt.Errorf("storage: marshal decisions: %w", err)
		}
	}
	if job.Artifact != nil {
		if artifact, err = json.Marshal(job.Artifact); err != nil {
			return nil, nil, fmt.Errorf("storage: marshal artifact: %w", err)
		}
	}
	return decisions, artifact, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.TriageJob, error) {
	var job model.TriageJob
	var decisions, artifact []byte
	var failureReason, jobErr *string

	err := row.Scan(&job.ID, &job.TicketKey, &job.State, &decisions, &artifact,
		&failureReason, &jobErr, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TriageJob{}, ErrNotFound
	}
	if err != nil {
		return model.TriageJob{}, fmt.Errorf("storage: scan job: %w", err)
	}

	if len(decisions) > 0 {
		if err := json.Unmarshal(decisions, &job.Decisions); err != nil {
			return model.TriageJob{}, fmt.Errorf("storage: unmarshal decisions: %w", err)
		}
	}
	if len(artifact) > 0 {
		if err := json.Unmarshal(artifact, &job.Artifact); err != nil {
			return model.TriageJob{}, fmt.Errorf("storage: unmarshal artifact: %w", err)
		}
	}
	if failureReason != nil {
		job.FailureReason = model.FailureReason(*failureReason)
	}
	if jobErr != nil {
		job.Error = *jobErr
	}
	return job, nil
}
