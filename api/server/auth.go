package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth gates a route group behind a static bearer token. The
// comparison is constant time so the token cannot be probed byte by
// byte.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := extractBearerToken(r)
			if presented == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Reason: "missing bearer token"})
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden", Reason: "invalid token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken extracts the token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
