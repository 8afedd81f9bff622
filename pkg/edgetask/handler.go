package edgetask

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/langbridge/edge-gateway/internal/httpserver"
	"github.com/langbridge/edge-gateway/pkg/token"
)

// Handler provides HTTP handlers for the edge task gateway API. All routes
// require an already-verified runtime identity in the request context,
// populated by token.Middleware. The configured defaults are applied when a
// runtime omits visibility or retry tuning from its request.
type Handler struct {
	logger                   *slog.Logger
	gateway                  *TaskGateway
	defaultVisibilitySeconds int
	defaultRetryDelaySeconds int
}

// NewHandler creates an edge task Handler.
func NewHandler(logger *slog.Logger, gateway *TaskGateway, defaultVisibilitySeconds, defaultRetryDelaySeconds int) *Handler {
	return &Handler{
		logger:                   logger,
		gateway:                  gateway,
		defaultVisibilitySeconds: defaultVisibilitySeconds,
		defaultRetryDelaySeconds: defaultRetryDelaySeconds,
	}
}

// pullBody is the JSON body for POST /edge/tasks/pull. A nil visibility
// timeout means "use the server-configured default".
type pullBody struct {
	MaxTasks                 int  `json:"max_tasks" validate:"required,min=1,max=10"`
	LongPollSeconds          int  `json:"long_poll_seconds" validate:"required,min=1,max=60"`
	VisibilityTimeoutSeconds *int `json:"visibility_timeout_seconds" validate:"omitempty,min=10,max=600"`
}

// failBody is the JSON body for POST /edge/tasks/fail. A nil retry delay
// means "use the server-configured default"; an explicit 0 requeues
// immediately.
type failBody struct {
	TaskID            uuid.UUID `json:"task_id" validate:"required"`
	LeaseID           string    `json:"lease_id" validate:"required"`
	Error             string    `json:"error" validate:"required"`
	RetryDelaySeconds *int      `json:"retry_delay_seconds" validate:"omitempty,min=0,max=600"`
}

// RegisterRoutes registers the pull/ack/fail/result routes onto r. The
// caller is expected to have applied token.Middleware to r already.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/pull", h.handlePull)
	r.Post("/ack", h.handleAck)
	r.Post("/fail", h.handleFail)
	r.Post("/result", h.handleResult)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	identity, ok := token.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	var body pullBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}
	req := PullRequest{
		MaxTasks:                 body.MaxTasks,
		LongPollSeconds:          body.LongPollSeconds,
		VisibilityTimeoutSeconds: h.defaultVisibilitySeconds,
	}
	if body.VisibilityTimeoutSeconds != nil {
		req.VisibilityTimeoutSeconds = *body.VisibilityTimeoutSeconds
	}

	leases, err := h.gateway.PullTasks(r.Context(), identity.TenantID, identity.EpID, req)
	if err != nil {
		h.logger.Error("pulling tasks", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to pull tasks")
		return
	}
	if leases == nil {
		leases = []Lease{}
	}

	httpserver.Respond(w, http.StatusOK, PullResponse{Tasks: leases})
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	identity, ok := token.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	var req AckRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.gateway.AckTask(r.Context(), identity.TenantID, identity.EpID, req)
	if err != nil {
		respondTaskError(w, h.logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	identity, ok := token.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	var body failBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}
	req := FailRequest{
		TaskID:            body.TaskID,
		LeaseID:           body.LeaseID,
		Error:             body.Error,
		RetryDelaySeconds: h.defaultRetryDelaySeconds,
	}
	if body.RetryDelaySeconds != nil {
		req.RetryDelaySeconds = *body.RetryDelaySeconds
	}

	resp, err := h.gateway.FailTask(r.Context(), identity.TenantID, identity.EpID, req)
	if err != nil {
		respondTaskError(w, h.logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	identity, ok := token.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	var req ResultRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.gateway.IngestResult(r.Context(), identity.TenantID, identity.EpID, req)
	if err != nil {
		h.logger.Error("ingesting result", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to ingest result")
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func respondTaskError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrTaskLeaseInvalid):
		httpserver.RespondError(w, http.StatusBadRequest, "task_lease_invalid", err.Error())
	case errors.Is(err, ErrTaskPayloadMissing):
		httpserver.RespondError(w, http.StatusBadRequest, "task_payload_missing", err.Error())
	default:
		logger.Error("task gateway error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}
