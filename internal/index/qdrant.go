package index

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements Index backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// pointID derives a deterministic UUIDv5 point ID from a ticket key, so
// re-indexing the same ticket always hits the same point (upsert semantics).
func pointID(key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("sabaki://ticket/"+key))
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("index: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("index: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures the ticket_key payload index is present. CreateFieldIndex is
// idempotent on Qdrant, so this safely backfills on restart.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("index: check collection exists: %w", err)
	}

	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("index: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "ticket_key",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("index: ensure index on ticket_key: %w", err)
	}

	return nil
}

// Upsert inserts or updates the embedding for a ticket key. Last write wins
// by updatedAt: if the stored point carries a newer updated_at_unix payload,
// the call is a no-op (a stale re-delivery never clobbers fresher data).
func (q *QdrantIndex) Upsert(ctx context.Context, key string, embedding []float32, updatedAt time.Time) error {
	if uint64(len(embedding)) != q.dims {
		return fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(embedding), q.dims)
	}

	id := pointID(key)

	existing, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id.String())},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return fmt.Errorf("index: qdrant get point for %s: %w", key, err)
	}
	if len(existing) > 0 {
		stored := existing[0].Payload["updated_at_unix"].GetDoubleValue()
		if stored > float64(updatedAt.Unix()) {
			q.logger.Debug("qdrant: skipping stale upsert", "key", key)
			return nil
		}
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id.String()),
			Vectors: qdrant.NewVectorsDense(embedding),
			Payload: qdrant.NewValueMap(map[string]any{
				"ticket_key":      key,
				"updated_at_unix": float64(updatedAt.Unix()),
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("index: qdrant upsert %s: %w", key, err)
	}
	return nil
}

// Query returns up to k neighbors by descending cosine similarity, ties
// broken by lexicographically smaller key. excludeKey is stripped in Go
// (simpler than a Qdrant filter for one ID). Over-fetches k+1 to absorb
// the exclusion.
func (q *QdrantIndex) Query(ctx context.Context, embedding []float32, k int, excludeKey string) ([]Neighbor, error) {
	if uint64(len(embedding)) != q.dims {
		return nil, fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(embedding), q.dims)
	}
	if k <= 0 {
		return nil, nil
	}

	fetchLimit := uint64(k + 1) //nolint:gosec // k is bounded by config
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant query: %w", err)
	}

	neighbors := make([]Neighbor, 0, len(scored))
	for _, sp := range scored {
		key := sp.Payload["ticket_key"].GetStringValue()
		if key == "" {
			q.logger.Warn("qdrant: point missing ticket_key payload", "id", sp.Id.GetUuid())
			continue
		}
		if key == excludeKey {
			continue
		}
		neighbors = append(neighbors, Neighbor{Key: key, Score: sp.Score})
	}

	sortNeighbors(neighbors)
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// sortNeighbors orders by score descending, then key ascending. Qdrant
// already returns descending scores, but tie order is unspecified; the
// deterministic tie-break is required for reproducible candidate sets.
func sortNeighbors(neighbors []Neighbor) {
	sort.SliceStable(neighbors, func(i, j int) bool {
		if neighbors[i].Score != neighbors[j].Score {
			return neighbors[i].Score > neighbors[j].Score
		}
		return neighbors[i].Key < neighbors[j].Key
	})
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds to avoid hammering the health endpoint. Concurrent calls after
// cache expiry are deduplicated via singleflight.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("index: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
