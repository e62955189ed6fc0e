package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sabaki-ai/sabaki/internal/backoff"
	"github.com/sabaki-ai/sabaki/internal/config"
	"github.com/sabaki-ai/sabaki/internal/embedding"
	"github.com/sabaki-ai/sabaki/internal/health"
	"github.com/sabaki-ai/sabaki/internal/index"
	"github.com/sabaki-ai/sabaki/internal/mcp"
	"github.com/sabaki-ai/sabaki/internal/reasoner"
	"github.com/sabaki-ai/sabaki/internal/server"
	"github.com/sabaki-ai/sabaki/internal/storage"
	"github.com/sabaki-ai/sabaki/internal/telemetry"
	"github.com/sabaki-ai/sabaki/internal/tracker"
	"github.com/sabaki-ai/sabaki/internal/triage"
	"github.com/sabaki-ai/sabaki/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SABAKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("sabaki starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply pending migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Embedding provider decides the vector dimensionality, so it comes
	// before the Qdrant index.
	embedder := newEmbeddingProvider(ctx, cfg, logger)

	qdrantIndex, err := index.NewQdrantIndex(index.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(embedder.Dimensions()),
	}, logger)
	if err != nil {
		return fmt.Errorf("qdrant: %w", err)
	}
	defer func() { _ = qdrantIndex.Close() }()

	if err := qdrantIndex.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("qdrant ensure collection: %w", err)
	}

	// Reasoning backend for relation decisions and artifact generation.
	decider := reasoner.NewAgent(newReasonerProvider(cfg, logger), logger, cfg.ReasonerTimeout)

	// Issue tracker client.
	jira := tracker.NewClient(cfg.TrackerURL, cfg.TrackerUsername, cfg.TrackerAPIToken, logger)

	coordinator := triage.NewCoordinator(jira, db, qdrantIndex, embedder, decider, logger, triage.Options{
		WorkerPoolSize:      cfg.WorkerPoolSize,
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxCandidates:       cfg.MaxCandidates,
		RetryPolicy: backoff.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	})

	// Seed the vector index from the tracker's unresolved tickets so the
	// first triage run has neighbors to compare against. Non-fatal: the
	// index also fills in as tickets get triaged.
	if cfg.BackfillOnStartup && cfg.TrackerProjectKey != "" {
		if err := coordinator.BackfillIndex(ctx, cfg.TrackerProjectKey); err != nil {
			logger.Warn("index backfill failed", "project", cfg.TrackerProjectKey, "error", err)
		}
	}

	// Terminal jobs older than the retention window get swept hourly.
	go retentionLoop(ctx, coordinator, cfg.JobRetention, logger)

	checker := health.NewAggregator(logger,
		health.Probe{Name: "database", Hard: true, Check: db.Ping},
		health.Probe{Name: "index", Hard: true, Check: qdrantIndex.Healthy},
		health.Probe{Name: "tracker", Hard: true, Check: jira.Healthy},
		health.Probe{Name: "workers", Hard: false, Check: func(context.Context) error {
			if coordinator.Saturated() {
				return fmt.Errorf("worker pool saturated")
			}
			return nil
		}},
	)

	mcpSrv := mcp.New(coordinator, checker, logger, version)

	srv := server.New(server.Config{
		Jobs:         coordinator,
		Checker:      checker,
		Logger:       logger,
		MCPServer:    mcpSrv.MCPServer(),
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxBodyBytes: cfg.MaxRequestBodyBytes,
		Version:      version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting new submissions and drain in-flight HTTP,
	// (2) drain the triage worker pool (running jobs journal their state
	// before exiting), (3) flush telemetry.
	slog.Info("sabaki shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := coordinator.Drain(drainCtx); err != nil {
		slog.Error("coordinator drain error", "error", err)
	}
	drainCancel()

	slog.Info("sabaki stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present,
// else noop. Ollama is preferred: embeddings stay on-premises with no
// external API costs.
func newEmbeddingProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) embedding.Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when SABAKI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)

	case "noop":
		logger.Info("embedding provider: noop (similarity search degraded)")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)

	default: // auto
		if embedding.Reachable(ctx, cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto)", "model", cfg.EmbeddingModel)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
		}
		logger.Warn("embedding provider: noop (no Ollama, no OpenAI key)")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}
}

// newReasonerProvider creates the LLM backend for relation decisions.
// Same auto selection order as embeddings: Ollama first, then OpenAI.
func newReasonerProvider(cfg config.Config, logger *slog.Logger) reasoner.Provider {
	switch cfg.ReasonerProvider {
	case "openai":
		logger.Info("reasoner provider: openai", "model", cfg.ReasonerModel)
		return reasoner.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.ReasonerModel, cfg.ReasonerTimeout)

	case "ollama":
		logger.Info("reasoner provider: ollama", "url", cfg.OllamaURL, "model", cfg.ReasonerModel)
		return reasoner.NewOllamaProvider(cfg.OllamaURL, reasonerModelOr(cfg.ReasonerModel, "llama3.1"), cfg.ReasonerTimeout)

	default: // auto
		if cfg.OpenAIAPIKey != "" {
			logger.Info("reasoner provider: openai (auto)", "model", cfg.ReasonerModel)
			return reasoner.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.ReasonerModel, cfg.ReasonerTimeout)
		}
		logger.Info("reasoner provider: ollama (auto)", "url", cfg.OllamaURL)
		return reasoner.NewOllamaProvider(cfg.OllamaURL, reasonerModelOr(cfg.ReasonerModel, "llama3.1"), cfg.ReasonerTimeout)
	}
}

func reasonerModelOr(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}

// retentionLoop sweeps terminal jobs older than the retention window.
func retentionLoop(ctx context.Context, c *triage.Coordinator, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		logger.Info("job retention sweep disabled")
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpiredJobs(ctx, retention)
		}
	}
}
