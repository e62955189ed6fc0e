package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/sabaki-ai/sabaki/internal/storage"
	"github.com/sabaki-ai/sabaki/internal/triage"
)

func (s *Server) registerTools() {
	// sabaki_triage: submit a ticket for automatic triage.
	s.mcpServer.AddTool(
		mcplib.NewTool("sabaki_triage",
			mcplib.WithDescription(`Submit a ticket for automatic triage.

Triage runs asynchronously: the engine embeds the ticket, finds similar
open tickets, decides relations (duplicate, blocks, relates_to) with an
LLM, and applies links, priority, and a summary comment back to the
tracker. Use sabaki_job with the returned job_id to follow progress.

Submitting a ticket that already has a run in flight returns the
existing job instead of starting a second one (coalesced=true).`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("ticket_key",
				mcplib.Description("Tracker issue key, e.g. PROJ-123"),
				mcplib.Required(),
			),
		),
		s.handleTriage,
	)

	// sabaki_job: inspect one triage job.
	s.mcpServer.AddTool(
		mcplib.NewTool("sabaki_job",
			mcplib.WithDescription(`Inspect a triage job by ID.

Returns the job's current state (queued, embedding, candidate_selection,
deciding, applying, completed, failed), the relation decisions with their
applied flags, the generated artifact, and failure details if the run
failed. Poll until the state is completed or failed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("job_id",
				mcplib.Description("Job UUID returned by sabaki_triage"),
				mcplib.Required(),
			),
		),
		s.handleJob,
	)

	// sabaki_jobs: list recent triage jobs.
	s.mcpServer.AddTool(
		mcplib.NewTool("sabaki_jobs",
			mcplib.WithDescription(`List recent triage jobs, newest first.

Optionally filter by ticket_key to see the triage history of a single
ticket, including failed runs that can be resubmitted.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("ticket_key",
				mcplib.Description("Optional: only show jobs for this ticket"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleJobs,
	)

	// sabaki_health: dependency health report.
	s.mcpServer.AddTool(
		mcplib.NewTool("sabaki_health",
			mcplib.WithDescription(`Report the health of the triage engine's dependencies.

Returns the aggregate status (healthy, degraded, unhealthy) and the
per-dependency probe results for the database, vector index, and issue
tracker. Submissions are rejected only when the engine is draining, but
a degraded report means runs may fail and need resubmission.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleHealth,
	)
}

func (s *Server) handleTriage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ticketKey := request.GetString("ticket_key", "")
	if ticketKey == "" {
		return errorResult("ticket_key is required"), nil
	}

	id, coalesced, err := s.jobs.Submit(ctx, ticketKey)
	if errors.Is(err, triage.ErrDraining) {
		return errorResult("engine is shutting down, resubmit later"), nil
	}
	if err != nil {
		s.logger.Error("mcp triage submit", "ticket", ticketKey, "error", err)
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"job_id":    id,
		"coalesced": coalesced,
		"status":    "accepted",
	})
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleJob(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("job_id", ""))
	if err != nil {
		return errorResult("job_id must be a valid UUID"), nil
	}

	job, err := s.jobs.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("job %s not found", id)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("load job: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(job, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleJobs(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ticketKey := request.GetString("ticket_key", "")
	limit := request.GetInt("limit", 20)

	jobs, err := s.jobs.List(ctx, ticketKey, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list jobs: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleHealth(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	report := s.checker.Check(ctx)

	resultData, _ := json.MarshalIndent(report, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}
