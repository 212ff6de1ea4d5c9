package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/myopenclawagent/internal/abuse"
	"github.com/ashureev/myopenclawagent/internal/identity"
	"github.com/ashureev/myopenclawagent/internal/metrics"
	"github.com/ashureev/myopenclawagent/internal/tasks"
)

// maxScanBytes bounds how much of a body is inspected for patterns.
const maxScanBytes = abuse.LargeBodyBytes

type readCloser struct {
	io.Reader
	io.Closer
}

// Abuse refuses blocklisted clients with 403, then scores the request and logs
// suspicious ones. Scoring never blocks.
func Abuse(d *abuse.Detector, q *tasks.Queue, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := identity.IPFromRequest(r)
			if d.IsBlocked(r.Context(), ip) {
				if m != nil {
					m.Blocked.Inc()
				}
				slog.Warn("Blocked client refused", "ip", ip, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "Access denied")
				return
			}

			res := abuse.Score(abuse.Request{
				IP:            ip,
				Method:        r.Method,
				Path:          r.URL.Path,
				UserAgent:     r.UserAgent(),
				ContentLength: r.ContentLength,
				Payload:       peekBody(r) + decodedQuery(r.URL.RawQuery),
			})

			if res.Suspicious() {
				if m != nil {
					m.AbuseFlagged.Inc()
				}
				entry := abuse.LogEntry{
					IP:        ip,
					Path:      r.URL.Path,
					Method:    r.Method,
					UserAgent: r.UserAgent(),
					Score:     res.Score,
					Signals:   res.Signals,
					Timestamp: time.Now().UTC(),
				}
				slog.Warn("High abuse score",
					"ip", ip, "score", res.Score, "signals", res.Signals,
					"path", r.URL.Path, "method", r.Method, "user_agent", r.UserAgent())
				if q != nil {
					_ = q.Submit("abuse-log", func(ctx context.Context) error {
						return d.Record(ctx, entry)
					})
				}
			}

			next.ServeHTTP(w, r.WithContext(abuse.WithResult(r.Context(), res)))
		})
	}
}

// peekBody reads up to maxScanBytes of the body and puts it back so handlers
// still see the full stream.
func peekBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	// A read error (oversized body, client gone) is left for the handler to see.
	buf, _ := io.ReadAll(io.LimitReader(r.Body, maxScanBytes))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	return string(buf)
}

func decodedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	if q, err := url.QueryUnescape(raw); err == nil {
		return q
	}
	return raw
}
