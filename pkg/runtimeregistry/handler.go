package runtimeregistry

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/langbridge/edge-gateway/internal/httpserver"
	"github.com/langbridge/edge-gateway/internal/telemetry"
	"github.com/langbridge/edge-gateway/pkg/token"
)

// Handler provides HTTP handlers for the runtime registry API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler creates a runtime registry Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// RegisterControlPlaneRoutes registers the endpoints authenticated by a
// control-plane key rather than a runtime bearer token: token minting and
// instance listing. The caller is expected to have applied
// httpserver.ControlPlaneAuth to r already.
func (h *Handler) RegisterControlPlaneRoutes(r chi.Router) {
	r.Post("/{tenant_id}/tokens", h.handleCreateToken)
	r.Get("/{tenant_id}/instances", h.handleListInstances)
}

// RegisterPublicRoutes registers /runtimes/register, which authenticates via
// the registration token in its body rather than a bearer header.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/register", h.handleRegister)
}

// RegisterRuntimeRoutes registers the heartbeat/capabilities endpoints,
// which require an already-issued runtime bearer token. The caller is
// expected to have applied token.Middleware to r already.
func (h *Handler) RegisterRuntimeRoutes(r chi.Router) {
	r.Post("/heartbeat", h.handleHeartbeat)
	r.Post("/capabilities", h.handleUpdateCapabilities)
}

// RequireKnownRuntime re-validates that a bearer token's (tenant_id, ep_id)
// still names a known runtime before handing the request to the edge-task
// gateway. It must sit behind token.Middleware, which populates the
// identity this middleware reads from the request context.
func (h *Handler) RequireKnownRuntime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := token.FromContext(r.Context())
		if !ok {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
			return
		}

		if _, err := h.service.GetRuntimeForToken(r.Context(), identity); err != nil {
			if errors.Is(err, ErrRuntimeNotFound) {
				httpserver.RespondError(w, http.StatusBadRequest, "runtime_not_found", "runtime no longer exists")
				return
			}
			h.logger.Error("validating runtime identity", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid tenant_id")
		return
	}

	rawToken, expiresAt, err := h.service.CreateRegistrationToken(r.Context(), tenantID, nil)
	if err != nil {
		h.logger.Error("creating registration token", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create registration token")
		return
	}

	httpserver.Respond(w, http.StatusCreated, CreateTokenResponse{
		RegistrationToken: rawToken,
		ExpiresAt:         expiresAt,
	})
}

func (h *Handler) handleListInstances(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenant_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid tenant_id")
		return
	}

	runtimes, err := h.service.ListRuntimesForTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("listing runtimes", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list runtimes")
		return
	}

	httpserver.Respond(w, http.StatusOK, runtimes)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.RegisterRuntime(r.Context(), req)
	if err != nil {
		respondRegistryError(w, h.logger, err)
		return
	}

	telemetry.RuntimesRegisteredTotal.Inc()
	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	identity, ok := token.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	var req HeartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.Heartbeat(r.Context(), identity.TenantID, identity.EpID, req)
	if err != nil {
		respondRegistryError(w, h.logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleUpdateCapabilities(w http.ResponseWriter, r *http.Request) {
	identity, ok := token.FromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	var req UpdateCapabilitiesRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.UpdateCapabilities(r.Context(), identity.TenantID, identity.EpID, req); err != nil {
		respondRegistryError(w, h.logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"accepted":   true,
		"updated_at": time.Now(),
	})
}

func respondRegistryError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrRuntimeNotFound):
		httpserver.RespondError(w, http.StatusBadRequest, "runtime_not_found", err.Error())
	case errors.Is(err, ErrRegistrationTokenInvalid),
		errors.Is(err, ErrRegistrationTokenExpired),
		errors.Is(err, ErrRegistrationTokenUsed):
		httpserver.RespondError(w, http.StatusBadRequest, "registration_token_invalid", err.Error())
	case errors.Is(err, ErrNoEligibleRuntime):
		httpserver.RespondError(w, http.StatusBadRequest, "no_eligible_runtime", err.Error())
	default:
		logger.Error("runtime registry error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}
