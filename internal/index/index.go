// Package index provides the vector similarity index for ticket embeddings.
package index

import (
	"context"
	"errors"
	"time"
)

// ErrDimensionMismatch is returned when an embedding's width does not match
// the index schema. This signals a caller bug (wrong embedding model) and
// is never retried.
var ErrDimensionMismatch = errors.New("index: embedding dimension mismatch")

// Neighbor is one k-nearest-neighbor result: a ticket key and its raw
// cosine similarity to the query embedding.
type Neighbor struct {
	Key   string
	Score float32
}

// Index stores ticket embeddings and answers k-nearest-neighbor queries.
// Implementations must be safe for concurrent use.
type Index interface {
	// Upsert inserts or updates the embedding for a ticket key.
	// Idempotent; last write wins by updatedAt, so a stale re-delivery
	// never clobbers a fresher embedding.
	Upsert(ctx context.Context, key string, embedding []float32, updatedAt time.Time) error

	// Query returns up to k neighbors ordered by descending similarity,
	// ties broken by lexicographically smaller key. excludeKey is removed
	// from the results (the ticket under triage).
	Query(ctx context.Context, embedding []float32, k int, excludeKey string) ([]Neighbor, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}
