package token

import (
	"context"
	"net/http"
	"strings"

	"github.com/langbridge/edge-gateway/internal/httpserver"
)

type contextKey string

const identityKey contextKey = "edge_runtime_identity"

// NewContext returns a copy of ctx carrying the verified runtime identity.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the runtime identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware authenticates a request bearing "Authorization: Bearer <token>"
// against s, storing the resulting Identity in the request context. Requests
// without a valid token are rejected with 401.
func Middleware(s *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			raw := strings.TrimSpace(authHeader[len("Bearer "):])

			identity, err := s.VerifyAccessToken(raw)
			if err != nil {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
