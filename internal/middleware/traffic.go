package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/myopenclawagent/internal/identity"
	"github.com/ashureev/myopenclawagent/internal/tasks"
	"github.com/ashureev/myopenclawagent/internal/traffic"
)

// Traffic records every request in the traffic counters as a background task.
// Counting happens after routing so the route pattern, not the raw path, is
// used as the key.
func Traffic(l *traffic.Logger, q *tasks.Queue) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if !l.Enabled() {
				return
			}
			hit := traffic.Hit{
				Route: routePattern(r),
				IP:    identity.IPFromRequest(r),
				At:    time.Now(),
			}
			_ = q.Submit("traffic", func(ctx context.Context) error {
				return l.Record(ctx, hit)
			})
		})
	}
}

// routePattern returns the matched chi pattern, or "unmatched".
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
