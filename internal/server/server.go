package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/sabaki-ai/sabaki/internal/health"
)

// Server is the triage engine's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds dependencies and settings for creating a Server.
type Config struct {
	Jobs    JobService
	Checker *health.Aggregator
	Logger  *slog.Logger

	// Optional: MCP StreamableHTTP transport mounted at /mcp.
	MCPServer *mcpserver.MCPServer

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxBodyBytes caps request body size. Zero means the 1 MiB default.
	MaxBodyBytes int64
	Version      string
}

const defaultMaxBodyBytes = 1 << 20

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Jobs, cfg.Checker, cfg.Logger, cfg.Version)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/triage", h.HandleTriage)
	mux.HandleFunc("GET /v1/jobs", h.HandleListJobs)
	mux.HandleFunc("GET /v1/jobs/{job_id}", h.HandleGetJob)

	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /readyz", h.HandleReady)

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → body limit → handler.
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(maxBody, handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
