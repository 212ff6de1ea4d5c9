// Package identity resolves who is calling: the client IP, an optional
// authenticated user id, and the client id used by the websocket stream.
package identity

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// AdminKeyHeader carries the admin secret.
	AdminKeyHeader = "X-Admin-Key"
	// ClientIDHeader optionally names a websocket client.
	ClientIDHeader = "X-Client-ID"

	// AdminUserID is the user id assigned to requests holding the admin key.
	AdminUserID = "admin"
)

type contextKey int

const (
	userIDKey contextKey = iota
	clientIPKey
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// WithUserID attaches an authenticated user id to ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// IsAdmin reports whether the request carried a valid admin key.
func IsAdmin(ctx context.Context) bool {
	return UserIDFromContext(ctx) == AdminUserID
}

// ClientIPFromContext returns the client IP resolved by Middleware, or "".
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// AdminKeyMatches compares the presented key with the configured secret in
// constant time. An empty secret never matches.
func AdminKeyMatches(presented, secret string) bool {
	if secret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// Middleware resolves the client IP and, when the admin key is presented,
// marks the request as authenticated.
func Middleware(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey, IPFromRequest(r))
			if AdminKeyMatches(r.Header.Get(AdminKeyHeader), adminKey) {
				ctx = WithUserID(ctx, AdminUserID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP. chi's RealIP middleware has
// already applied X-Forwarded-For / X-Real-IP when it is installed.
func IPFromRequest(r *http.Request) string {
	if ip := ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitKey is the limiter key for a request: the IP, or IP:userId for
// authenticated callers.
func RateLimitKey(r *http.Request) string {
	ip := IPFromRequest(r)
	if uid := UserIDFromContext(r.Context()); uid != "" {
		return ip + ":" + uid
	}
	return ip
}

// ClientID names a websocket client: the X-Client-ID header when well formed,
// otherwise the remote address.
func ClientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); clientIDPattern.MatchString(id) {
		return id
	}
	return r.RemoteAddr
}
