package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sabaki-ai/sabaki/internal/health"
	"github.com/sabaki-ai/sabaki/internal/model"
	"github.com/sabaki-ai/sabaki/internal/storage"
	"github.com/sabaki-ai/sabaki/internal/triage"
)

// JobService is the coordinator surface the handlers need.
type JobService interface {
	Submit(ctx context.Context, ticketKey string) (id uuid.UUID, coalesced bool, err error)
	Get(ctx context.Context, id uuid.UUID) (model.TriageJob, error)
	List(ctx context.Context, ticketKey string, limit, offset int) ([]model.TriageJob, error)
}

// Handlers holds dependencies for HTTP request handlers.
type Handlers struct {
	jobs    JobService
	checker *health.Aggregator
	logger  *slog.Logger
	version string
}

// NewHandlers creates the handler set.
func NewHandlers(jobs JobService, checker *health.Aggregator, logger *slog.Logger, version string) *Handlers {
	return &Handlers{jobs: jobs, checker: checker, logger: logger, version: version}
}

type triageRequest struct {
	TicketKey string `json:"ticket_key"`
}

type triageResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	Coalesced bool      `json:"coalesced"`
}

// HandleTriage accepts a triage submission and returns 202 with the job ID.
// Resubmitting a ticket with a run in flight returns the existing job.
func (h *Handlers) HandleTriage(w http.ResponseWriter, r *http.Request) {
	var req triageRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidRequest, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	req.TicketKey = strings.TrimSpace(req.TicketKey)
	if req.TicketKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "ticket_key is required")
		return
	}

	id, coalesced, err := h.jobs.Submit(r.Context(), req.TicketKey)
	if errors.Is(err, triage.ErrDraining) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "shutting down")
		return
	}
	if err != nil {
		h.logger.Error("submit triage", "ticket", req.TicketKey, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to enqueue triage")
		return
	}

	writeJSON(w, r, http.StatusAccepted, triageResponse{JobID: id, Coalesced: coalesced})
}

// HandleGetJob returns one triage job by ID.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("job_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid job ID")
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("get job", "job_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load job")
		return
	}

	writeJSON(w, r, http.StatusOK, job)
}

// HandleListJobs returns jobs newest-first. Query params: ticket_key
// (optional filter), limit, offset.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.jobs.List(r.Context(), q.Get("ticket_key"), limit, offset)
	if err != nil {
		h.logger.Error("list jobs", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []model.TriageJob{}
	}

	writeJSON(w, r, http.StatusOK, jobs)
}

type healthResponse struct {
	Status  health.Status   `json:"status"`
	Version string          `json:"version"`
	Probes  []health.Result `json:"probes"`
}

// HandleHealth reports aggregated dependency health. Degraded still serves
// 200; only unhealthy maps to 503.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.checker.Check(r.Context())

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, healthResponse{
		Status:  report.Status,
		Version: h.version,
		Probes:  report.Probes,
	})
}

// HandleReady is the readiness probe: anything but healthy reports 503 so
// load balancers stop routing new submissions while dependencies recover.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	report := h.checker.Check(r.Context())

	status := http.StatusOK
	if report.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, map[string]health.Status{"status": report.Status})
}
