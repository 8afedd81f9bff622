package dispatch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/langbridge/edge-gateway/internal/httpserver"
)

// DispatchRequest is the body producers submit to hand a job to the
// dispatcher. TenantID comes from the URL path, not the body.
type DispatchRequest struct {
	MessageType   string          `json:"message_type" validate:"required"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
	CorrelationID string          `json:"correlation_id"`
	RequiredTags  []string        `json:"required_tags"`
}

// DispatchResponse reports which path the job took.
type DispatchResponse struct {
	ExecutionMode string `json:"execution_mode"`
}

// Handler exposes the dispatcher to internal producers. It sits behind
// ControlPlaneAuth: callers are hosted services submitting jobs on a
// tenant's behalf, not runtime-authenticated edge instances.
type Handler struct {
	logger     *slog.Logger
	dispatcher *TaskDispatcher
}

// NewHandler creates a dispatch Handler.
func NewHandler(logger *slog.Logger, dispatcher *TaskDispatcher) *Handler {
	return &Handler{logger: logger, dispatcher: dispatcher}
}

// RegisterRoutes registers the job submission route onto r, under
// /{tenant_id}/jobs. The caller is expected to have applied
// httpserver.ControlPlaneAuth to r already.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/{tenant_id}/jobs", h.handleDispatch)
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_tenant_id", "tenant_id must be a UUID")
		return
	}

	var req DispatchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	mode, err := h.dispatcher.DispatchJobMessage(r.Context(), tenantID, Payload{
		MessageType:   req.MessageType,
		Body:          req.Payload,
		CorrelationID: req.CorrelationID,
	}, req.RequiredTags)
	if err != nil {
		if errors.Is(err, ErrNoEligibleRuntime) {
			httpserver.RespondError(w, http.StatusBadRequest, "no_eligible_runtime", "no active runtime matches the requested message type and tags")
			return
		}
		h.logger.Error("dispatching job", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to dispatch job")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, DispatchResponse{ExecutionMode: string(mode)})
}
