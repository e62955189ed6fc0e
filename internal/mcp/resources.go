package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// sabaki://jobs/recent: recent triage jobs across all tickets.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"sabaki://jobs/recent",
			"Recent Triage Jobs",
			mcplib.WithResourceDescription("Recent triage jobs across all tickets, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleJobsRecent,
	)

	// sabaki://ticket/{key}/jobs: triage history for one ticket.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"sabaki://ticket/{key}/jobs",
			"Ticket Triage History",
			mcplib.WithTemplateDescription("Triage job history for a specific ticket"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTicketJobs,
	)
}

func (s *Server) handleJobsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	jobs, err := s.jobs.List(ctx, "", 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent jobs: %w", err)
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal jobs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "sabaki://jobs/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleTicketJobs(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	key := ticketKeyFromURI(request.Params.URI)
	if key == "" {
		return nil, fmt.Errorf("mcp: ticket jobs: no ticket key in URI %q", request.Params.URI)
	}

	jobs, err := s.jobs.List(ctx, key, 50, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: ticket jobs: %w", err)
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal jobs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// ticketKeyFromURI extracts {key} from sabaki://ticket/{key}/jobs.
func ticketKeyFromURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, "sabaki://ticket/")
	if !ok {
		return ""
	}
	key, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return key
}
