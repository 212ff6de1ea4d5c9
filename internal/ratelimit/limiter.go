// Package ratelimit implements fixed-window request limiting shared through
// Redis when available and kept per process otherwise.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/myopenclawagent/internal/cache"
)

// Policy is one class of limits.
type Policy struct {
	Name    string
	Prefix  string
	Window  time.Duration
	Max     int
	Message string
}

// AuthPolicy guards /api/v1/auth/*.
var AuthPolicy = Policy{
	Name:    "auth",
	Prefix:  "rl:auth:",
	Window:  15 * time.Minute,
	Max:     10,
	Message: "Too many authentication attempts, please try again later.",
}

// AdminPolicy guards /admin/*.
var AdminPolicy = Policy{
	Name:    "admin",
	Prefix:  "rl:admin:",
	Window:  time.Minute,
	Max:     30,
	Message: "Admin rate limit exceeded.",
}

// GeneralPolicy builds the default policy from configuration.
func GeneralPolicy(window time.Duration, limit int) Policy {
	return Policy{
		Name:    "general",
		Prefix:  "rl:general:",
		Window:  window,
		Max:     limit,
		Message: "Too many requests, please try again later.",
	}
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// RetryAfterSeconds rounds the reset delay up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	s := int((d.ResetAfter + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter applies policies using a shared counter with a local fallback.
type Limiter struct {
	shared Counter
	local  *MemoryCounter
	cache  *cache.Accessor
	logger *slog.Logger
}

// NewLimiter creates a limiter. shared may be nil, in which case every window
// is kept in local memory.
func NewLimiter(shared Counter, local *MemoryCounter, c *cache.Accessor, logger *slog.Logger) *Limiter {
	if local == nil {
		local = NewMemoryCounter(time.Minute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{shared: shared, local: local, cache: c, logger: logger}
}

// Allow counts one hit for key under p.
func (l *Limiter) Allow(ctx context.Context, p Policy, key string) Decision {
	fullKey := p.Prefix + key

	count, reset, err := l.incr(ctx, fullKey, p.Window)
	if err != nil {
		l.logger.Error("Rate limit counter failed, allowing request", "key", fullKey, "error", err)
		return Decision{Allowed: true, Limit: p.Max, Remaining: p.Max}
	}

	remaining := p.Max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    count <= int64(p.Max),
		Count:      count,
		Limit:      p.Max,
		Remaining:  remaining,
		ResetAfter: reset,
	}
}

func (l *Limiter) incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if l.shared != nil {
		count, reset, err := l.shared.Incr(ctx, key, window)
		if err == nil {
			return count, reset, nil
		}
		if !errors.Is(err, cache.ErrUnavailable) {
			l.cache.LogError("rate limit", err)
		}
	}
	return l.local.Incr(ctx, key, window)
}

// Close releases the local counter.
func (l *Limiter) Close() {
	l.local.Close()
}

// Router picks the policy for a request path.
type Router struct {
	General Policy
	Exempt  []string
}

// PolicyFor returns the policy for path, or false when the path is exempt.
func (rt Router) PolicyFor(path string) (Policy, bool) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth/"):
		return AuthPolicy, true
	case strings.HasPrefix(path, "/admin/"):
		return AdminPolicy, true
	}
	for _, e := range rt.Exempt {
		if path == e {
			return Policy{}, false
		}
	}
	return rt.General, true
}

// DefaultExempt are the paths never counted by the general policy.
var DefaultExempt = []string{"/health", "/api/v1/status"}

const (
	slowDownWindow   = time.Minute
	slowDownStep     = 500 * time.Millisecond
	slowDownMaxDelay = 8 * time.Second
)

// SlowDownPolicy counts requests for the progressive-delay layer. after is the
// number of requests per minute served without delay.
func SlowDownPolicy(after int) Policy {
	return Policy{Name: "slowdown", Prefix: "rl:slow:", Window: slowDownWindow, Max: after}
}

// SlowDownDelay is the delay for the count-th request in a window: 500ms for
// each request past after, capped at 8s.
func SlowDownDelay(count int64, after int) time.Duration {
	over := count - int64(after)
	if after <= 0 || over <= 0 {
		return 0
	}
	d := time.Duration(over) * slowDownStep
	if d > slowDownMaxDelay {
		d = slowDownMaxDelay
	}
	return d
}
