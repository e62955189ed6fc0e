// Package reasoner is the decision agent: a single reasoning call per
// triage run proposes link decisions and a derived artifact, and strict
// local validation keeps the backend's output from corrupting the tracker.
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sabaki-ai/sabaki/internal/backoff"
	"github.com/sabaki-ai/sabaki/internal/model"
)

// ErrMalformedOutput means the reasoning backend returned something that
// could not be repaired into the expected JSON shape. Permanent: retrying
// the identical prompt tends to reproduce the same malformed output.
var ErrMalformedOutput = errors.New("reasoner: malformed model output")

// Provider is a chat-completion backend. Implementations send one prompt
// and return the raw text of the model's reply.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// APIError is a non-2xx response from a reasoning backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reasoner: status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	return backoff.ClassifyHTTPStatus(e.StatusCode) == backoff.ClassTransient
}

// Input is everything the agent sees for one triage run.
type Input struct {
	// Source is the ticket under triage.
	Source model.Ticket
	// Candidates are the ranked similar tickets, in selector order.
	Candidates []model.Candidate
	// Targets holds the candidate tickets' content, keyed by ticket key.
	Targets map[string]model.Ticket
}

// Result is the validated outcome of one reasoning call.
type Result struct {
	// Decisions holds exactly one decision per input candidate.
	Decisions []model.LinkDecision
	// Artifact is the synthesized per-ticket metadata.
	Artifact model.DerivedArtifact
}

// Agent makes link and artifact decisions. It issues exactly one reasoning
// call per Decide and never lets unvalidated output through.
type Agent struct {
	provider Provider
	logger   *slog.Logger
	timeout  time.Duration
}

// NewAgent wires a reasoning backend into a decision agent. timeout bounds
// the single reasoning call; zero means 60 seconds.
func NewAgent(provider Provider, logger *slog.Logger, timeout time.Duration) *Agent {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Agent{provider: provider, logger: logger, timeout: timeout}
}

// Decide runs one reasoning call for the ticket and candidates, then
// validates the output locally. The returned decisions are safe to apply:
// every target named exists in the candidate set, every relation and
// confidence is in range, and every candidate has exactly one decision.
func (a *Agent) Decide(ctx context.Context, in Input) (Result, error) {
	prompt := buildPrompt(in)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.provider.Complete(callCtx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("reasoner: completion: %w", err)
	}

	return a.parse(raw, in)
}
