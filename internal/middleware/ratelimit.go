package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/myopenclawagent/internal/identity"
	"github.com/ashureev/myopenclawagent/internal/metrics"
	"github.com/ashureev/myopenclawagent/internal/ratelimit"
)

type rateLimitBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// RateLimit rejects requests over their policy's quota with 429. It never
// delays or queues.
func RateLimit(l *ratelimit.Limiter, rt ratelimit.Router, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := rt.PolicyFor(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := identity.RateLimitKey(r)
			d := l.Allow(r.Context(), p, key)

			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(d.RetryAfterSeconds()))

			if !d.Allowed {
				retry := d.RetryAfterSeconds()
				h.Set("Retry-After", strconv.Itoa(retry))
				if m != nil {
					m.RateLimited.WithLabelValues(p.Name).Inc()
				}
				slog.Warn("Rate limit exceeded", "policy", p.Name, "key", key, "path", r.URL.Path)
				writeJSON(w, http.StatusTooManyRequests, rateLimitBody{Error: p.Message, RetryAfter: retry})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SlowDown delays requests past after per minute by 500ms each, up to 8s.
// after <= 0 disables the layer.
func SlowDown(l *ratelimit.Limiter, rt ratelimit.Router, after int) func(http.Handler) http.Handler {
	policy := ratelimit.SlowDownPolicy(after)
	return func(next http.Handler) http.Handler {
		if after <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := rt.PolicyFor(r.URL.Path); !ok {
				next.ServeHTTP(w, r)
				return
			}

			d := l.Allow(r.Context(), policy, identity.RateLimitKey(r))
			if delay := ratelimit.SlowDownDelay(d.Count, after); delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-r.Context().Done():
					t.Stop()
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
