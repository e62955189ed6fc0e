package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0.75, cfg.SimilarityThreshold)
	assert.Equal(t, 5, cfg.MaxCandidates)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, 4, cfg.RetryMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 72*time.Hour, cfg.JobRetention)
	assert.Equal(t, "sabaki_tickets", cfg.QdrantCollection)
	assert.Equal(t, "auto", cfg.EmbeddingProvider)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SABAKI_SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("SABAKI_MAX_CANDIDATES", "10")
	t.Setenv("SABAKI_WORKER_POOL_SIZE", "8")
	t.Setenv("SABAKI_RETRY_BASE_DELAY", "1s")
	t.Setenv("SABAKI_BACKFILL_ON_STARTUP", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.SimilarityThreshold)
	assert.Equal(t, 10, cfg.MaxCandidates)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.False(t, cfg.BackfillOnStartup)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database URL", func(c *Config) { c.DatabaseURL = "" }},
		{"zero dimensions", func(c *Config) { c.EmbeddingDimensions = 0 }},
		{"threshold above one", func(c *Config) { c.SimilarityThreshold = 1.5 }},
		{"negative threshold", func(c *Config) { c.SimilarityThreshold = -0.1 }},
		{"zero candidates", func(c *Config) { c.MaxCandidates = 0 }},
		{"zero workers", func(c *Config) { c.WorkerPoolSize = 0 }},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SABAKI_MAX_CANDIDATES", "many")
	t.Setenv("SABAKI_SIMILARITY_THRESHOLD", "very high")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxCandidates)
	assert.Equal(t, 0.75, cfg.SimilarityThreshold)
}
