package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sabaki-ai/sabaki/internal/model"
)

// UpsertTicket writes the ticket cache row. Last write wins by updated_at:
// a row already holding a newer updated_at is left untouched, so stale
// webhook re-deliveries cannot roll the cache backwards.
func (db *DB) UpsertTicket(ctx context.Context, t model.Ticket) error {
	err := WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		_, execErr := db.pool.Exec(ctx, `
			INSERT INTO tickets (key, summary, description, status, priority, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (key) DO UPDATE SET
				summary     = EXCLUDED.summary,
				description = EXCLUDED.description,
				status      = EXCLUDED.status,
				priority    = EXCLUDED.priority,
				embedding   = EXCLUDED.embedding,
				updated_at  = EXCLUDED.updated_at
			WHERE tickets.updated_at <= EXCLUDED.updated_at
		`, t.Key, t.Summary, t.Description, t.Status, t.Priority, t.Embedding, t.UpdatedAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("storage: upsert ticket %s: %w", t.Key, err)
	}
	return nil
}

// GetTicket loads one cached ticket.
func (db *DB) GetTicket(ctx context.Context, key string) (model.Ticket, error) {
	var t model.Ticket
	err := db.pool.QueryRow(ctx, `
		SELECT key, summary, description, status, priority, embedding, updated_at
		FROM tickets WHERE key = $1
	`, key).Scan(&t.Key, &t.Summary, &t.Description, &t.Status, &t.Priority, &t.Embedding, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Ticket{}, ErrNotFound
	}
	if err != nil {
		return model.Ticket{}, fmt.Errorf("storage: get ticket %s: %w", key, err)
	}
	return t, nil
}

// ListTickets returns every cached ticket, ordered by key. Used to compare
// the cache against the tracker during index backfill.
func (db *DB) ListTickets(ctx context.Context) ([]model.Ticket, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT key, summary, description, status, priority, embedding, updated_at
		FROM tickets ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		var t model.Ticket
		if err := rows.Scan(&t.Key, &t.Summary, &t.Description, &t.Status, &t.Priority, &t.Embedding, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}
