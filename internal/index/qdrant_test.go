package index

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{name: "cloud https REST port", url: "https://xyz.cloud.qdrant.io:6333", wantHost: "xyz.cloud.qdrant.io", wantPort: 6334, wantTLS: true},
		{name: "local http REST port", url: "http://localhost:6333", wantHost: "localhost", wantPort: 6334, wantTLS: false},
		{name: "explicit grpc port", url: "http://localhost:6334", wantHost: "localhost", wantPort: 6334, wantTLS: false},
		{name: "custom port preserved", url: "https://q.internal:7443", wantHost: "q.internal", wantPort: 7443, wantTLS: true},
		{name: "no port defaults to grpc", url: "https://q.internal", wantHost: "q.internal", wantPort: 6334, wantTLS: true},
		{name: "garbage", url: "::::", wantErr: true},
		{name: "empty", url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, tls)
		})
	}
}

func TestPointIDDeterministic(t *testing.T) {
	a := pointID("PROJ-100")
	b := pointID("PROJ-100")
	c := pointID("PROJ-101")

	assert.Equal(t, a, b, "same key must map to the same point")
	assert.NotEqual(t, a, c)
	assert.Equal(t, uuid.Version(5), a.Version())
}

func TestSortNeighbors(t *testing.T) {
	neighbors := []Neighbor{
		{Key: "PROJ-3", Score: 0.80},
		{Key: "PROJ-1", Score: 0.91},
		{Key: "PROJ-4", Score: 0.80},
		{Key: "PROJ-2", Score: 0.91},
	}

	sortNeighbors(neighbors)

	want := []Neighbor{
		{Key: "PROJ-1", Score: 0.91},
		{Key: "PROJ-2", Score: 0.91},
		{Key: "PROJ-3", Score: 0.80},
		{Key: "PROJ-4", Score: 0.80},
	}
	assert.Equal(t, want, neighbors, "score descending, key ascending on ties")
}
