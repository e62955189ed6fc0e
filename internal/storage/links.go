package storage

import (
	"context"
	"fmt"

	"github.com/sabaki-ai/sabaki/internal/model"
)

// RecordAppliedLink journals a link that was written to the tracker. The
// (source, target, kind) triple is unique; recording the same link twice is
// a no-op, which is what makes re-triage idempotent across crashes.
func (db *DB) RecordAppliedLink(ctx context.Context, d model.LinkDecision) error {
	err := WithRetry(ctx, writeRetries, writeRetryBase, func() error {
		_, execErr := db.pool.Exec(ctx, `
			INSERT INTO applied_links (source_key, target_key, kind)
			VALUES ($1, $2, $3)
			ON CONFLICT (source_key, target_key, kind) DO NOTHING
		`, d.SourceKey, d.TargetKey, d.Kind)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("storage: record applied link %s -> %s: %w", d.SourceKey, d.TargetKey, err)
	}
	return nil
}

// HasAppliedLink reports whether the exact link was already written.
func (db *DB) HasAppliedLink(ctx context.Context, d model.LinkDecision) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM applied_links
			WHERE source_key = $1 AND target_key = $2 AND kind = $3
		)
	`, d.SourceKey, d.TargetKey, d.Kind).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check applied link: %w", err)
	}
	return exists, nil
}

// ListAppliedLinks returns every link written for a source ticket.
func (db *DB) ListAppliedLinks(ctx context.Context, sourceKey string) ([]model.LinkDecision, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT source_key, target_key, kind
		FROM applied_links WHERE source_key = $1
		ORDER BY target_key, kind
	`, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("storage: list applied links for %s: %w", sourceKey, err)
	}
	defer rows.Close()

	var links []model.LinkDecision
	for rows.Next() {
		d := model.LinkDecision{Applied: true}
		if err := rows.Scan(&d.SourceKey, &d.TargetKey, &d.Kind); err != nil {
			return nil, fmt.Errorf("storage: scan applied link: %w", err)
		}
		links = append(links, d)
	}
	return links, rows.Err()
}
