// Package middleware provides the HTTP middleware chain for the site API.
package middleware

import (
	"net/http"
	"slices"
	"strings"
)

var (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Key, X-Client-ID, X-Request-ID"
)

// CORS allows requests from allowedOrigins and refuses others with 403.
// Requests without an Origin header (same-origin, curl, server to server) pass.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			wildcard := slices.Contains(allowedOrigins, "*")
			explicit := slices.ContainsFunc(allowedOrigins, func(o string) bool {
				return strings.EqualFold(o, origin)
			})
			if !wildcard && !explicit {
				writeError(w, http.StatusForbidden, "Not allowed by CORS")
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			// Credentials only for explicit origins; echoing a wildcard match with
			// credentials enables CSRF.
			if explicit {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
