// Package api provides the operator HTTP API for agentd.
package api

import (
	"agentd/internal/apperrors"
	"agentd/internal/health"
	"agentd/internal/job"
	"agentd/internal/observability"
	"agentd/internal/provider"
	"agentd/internal/queue"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// QueueStats reports queue statistics.
type QueueStats interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// ProviderInfos reports provider availability.
type ProviderInfos interface {
	Infos(ctx context.Context) []provider.Info
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc       *job.Service
	queue     QueueStats
	providers ProviderInfos
	health    *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, q QueueStats, providers ProviderInfos, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:       svc,
		queue:     q,
		providers: providers,
		health:    healthChecker,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ctx := observability.WithLogFields(r.Context(), observability.LogFields{
		ProjectID:  req.ProjectID,
		ProviderID: req.ProviderID,
	})
	created, err := h.svc.Create(ctx, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, created)
}

// ListJobs handles GET /v1/jobs?status=a,b&projectId=p
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := job.Filter{ProjectID: r.URL.Query().Get("projectId")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(s))
			if !status.Valid() {
				h.handleError(w, r, apperrors.Validation("status", "unknown status "+string(status)))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	resp, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	j, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}. It requests cancellation; a
// running job is stopped by its owner and the response shows the job as it
// was when the request was recorded.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	ctx := observability.WithLogFields(r.Context(), observability.LogFields{JobID: jobID})
	j, err := h.svc.Cancel(ctx, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, j)
}

// ResumeJob handles POST /v1/jobs/{jobId}/resume
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	ctx := observability.WithLogFields(r.Context(), observability.LogFields{JobID: jobID})
	if err := h.svc.Resume(ctx, jobID, req.Response); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ResetJob handles POST /v1/jobs/{jobId}/reset
func (h *Handler) ResetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	ctx := observability.WithLogFields(r.Context(), observability.LogFields{JobID: jobID})
	j, err := h.svc.Reset(ctx, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// ListMessages handles GET /v1/jobs/{jobId}/messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	msgs, err := h.svc.Messages(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []job.Message{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// QueueStats handles GET /v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// ListProviders handles GET /v1/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"providers": h.providers.Infos(r.Context())})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a critical dependency (the job store) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return "", false
	}
	return jobID, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, apperrors.Body{Error: message})
}

// handleError maps a service error to its status. Internal causes are
// logged, never returned.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, apperrors.ResponseBody(err))
}
