package httpserver

import (
	"crypto/subtle"
	"net/http"
)

// ControlPlaneAuth gates endpoints that are not runtime-bearer authenticated
// (registration-token minting, runtime listing) behind a static shared key,
// distinct from the per-runtime access tokens issued by pkg/token.
func ControlPlaneAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Control-Plane-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				RespondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid control-plane key")
				return
			}
			next.ServeHTTP(w, r.WithContext(r.Context()))
		})
	}
}
