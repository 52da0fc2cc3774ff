// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"workerhub/internal/auth"
	"workerhub/pkg/api"
)

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  http.StatusText(status),
	})
}

// RequireAPIToken guards the producer API with a static bearer token.
// An empty token disables the check.
func RequireAPIToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header")
				return
			}

			if !auth.TokenMatches(parts[1], token) {
				writeError(w, http.StatusUnauthorized, "Invalid authorization token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
