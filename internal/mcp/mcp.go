// Package mcp implements the Model Context Protocol server for Sabaki.
//
// The MCP server exposes the triage engine to MCP-compatible AI agents:
// tools to submit tickets and inspect jobs, plus resources for recent
// triage activity.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/sabaki-ai/sabaki/internal/health"
	"github.com/sabaki-ai/sabaki/internal/model"
)

// JobService is the coordinator surface the MCP tools need.
type JobService interface {
	Submit(ctx context.Context, ticketKey string) (id uuid.UUID, coalesced bool, err error)
	Get(ctx context.Context, id uuid.UUID) (model.TriageJob, error)
	List(ctx context.Context, ticketKey string, limit, offset int) ([]model.TriageJob, error)
}

// Server wraps the MCP server with the triage engine's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	jobs      JobService
	checker   *health.Aggregator
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(jobs JobService, checker *health.Aggregator, logger *slog.Logger, version string) *Server {
	s := &Server{
		jobs:    jobs,
		checker: checker,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"sabaki",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
