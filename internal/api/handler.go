// Package api provides the local HTTP bridge in front of the lifecycle
// controller: submissions, registry reads, stop and cancel, and websocket
// streams of correlated events.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"afterglow/internal/apperrors"
	"afterglow/internal/correlation"
	"afterglow/internal/health"
	"afterglow/internal/job"
	"afterglow/internal/lifecycle"
	"afterglow/internal/observability"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// maxPollInterval bounds pollIntervalMs so it converts to a Duration without
// overflow.
const maxPollInterval = 24 * time.Hour

// Handler contains HTTP handlers for the bridge API
type Handler struct {
	ctl             *lifecycle.Controller
	metrics         *observability.Metrics
	health          *health.Checker
	streams         *parkedStreams
	defaultInterval time.Duration
}

// NewHandler creates a new API handler
func NewHandler(ctl *lifecycle.Controller, metrics *observability.Metrics, healthChecker *health.Checker, defaultInterval time.Duration) *Handler {
	return &Handler{
		ctl:             ctl,
		metrics:         metrics,
		health:          healthChecker,
		streams:         newParkedStreams(streamClaimWindow),
		defaultInterval: defaultInterval,
	}
}

// SubmitRequest is the body of POST /v1/submissions. A nil PollIntervalMs uses
// the bridge default; zero submits without polling.
type SubmitRequest struct {
	Token          string       `json:"token,omitempty"`
	PollIntervalMs *int64       `json:"pollIntervalMs,omitempty"`
	Spec           job.Envelope `json:"spec"`
}

// SubmitResponse is returned for an accepted submission.
type SubmitResponse struct {
	Token     string `json:"token"`
	StreamURL string `json:"streamUrl"`
}

// Submit handles POST /v1/submissions
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Spec.Spec == nil {
		h.handleError(w, r, apperrors.Validation("spec", "spec is required"))
		return
	}

	interval := h.defaultInterval
	if req.PollIntervalMs != nil {
		ms := *req.PollIntervalMs
		if ms > maxPollInterval.Milliseconds() {
			h.handleError(w, r, apperrors.Validation("pollIntervalMs", "must not exceed "+maxPollInterval.String()))
			return
		}
		interval = time.Duration(ms) * time.Millisecond
	}
	token := req.Token
	if token == "" {
		token = correlation.NewToken()
	}

	// The stream is opened before submitting and parked until a websocket
	// claims it, so the created event is never missed.
	stream := correlation.Watch(h.ctl, token)
	if err := h.ctl.Submit(req.Spec.Spec, token, interval); err != nil {
		stream.Close()
		h.handleError(w, r, err)
		return
	}
	h.streams.park(stream)

	h.writeJSON(w, http.StatusAccepted, SubmitResponse{Token: token, StreamURL: "/v1/streams/" + token})
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": h.ctl.Registry().All()})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	entity, ok := h.ctl.Registry().Get(jobID)
	if !ok {
		h.handleError(w, r, apperrors.NotFound("job", jobID))
		return
	}

	h.writeJSON(w, http.StatusOK, entity)
}

// StopJob handles DELETE /v1/jobs/{jobId}. It ends local polling only.
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	if !h.ctl.Stop(jobID) {
		h.handleError(w, r, apperrors.NotFound("poller", jobID))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CancelJob handles POST /v1/jobs/{jobId}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	snapshot, err := h.ctl.Cancel(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, snapshot)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the remote computation service is unreachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// Close releases parked streams nobody claimed.
func (h *Handler) Close() {
	h.streams.closeAll()
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps controller errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
