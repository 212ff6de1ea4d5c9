package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

var (
	_ SessionBackend = (*FallbackSessions)(nil)
	_ Sweeper        = (*FallbackSessions)(nil)
)

// ErrorReporter is told about primary backend failures that were absorbed.
type ErrorReporter func(op string, err error)

// FallbackSessions serves sessions from primary and, when a primary call
// fails, from an in-process memory backend instead. Sessions written during an
// outage stay readable from memory until primary accepts a save again.
type FallbackSessions struct {
	primary  SessionBackend
	fallback *MemorySessions
	report   ErrorReporter
}

// NewFallbackSessions wraps primary. report may be nil.
func NewFallbackSessions(primary SessionBackend, report ErrorReporter) *FallbackSessions {
	if report == nil {
		report = func(string, error) {}
	}
	return &FallbackSessions{primary: primary, fallback: NewMemorySessions(), report: report}
}

// Name implements SessionBackend.
func (f *FallbackSessions) Name() string { return f.primary.Name() }

// Load implements SessionBackend.
func (f *FallbackSessions) Load(ctx context.Context, id string) (*domain.Session, error) {
	s, err := f.primary.Load(ctx, id)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, domain.ErrNotFound):
	default:
		f.report("session load", err)
	}
	return f.fallback.Load(ctx, id)
}

// Save implements SessionBackend.
func (f *FallbackSessions) Save(ctx context.Context, s *domain.Session, ttl time.Duration) error {
	if err := f.primary.Save(ctx, s, ttl); err != nil {
		f.report("session save", err)
		return f.fallback.Save(ctx, s, ttl)
	}
	return f.fallback.Delete(ctx, s.ID)
}

// Delete implements SessionBackend.
func (f *FallbackSessions) Delete(ctx context.Context, id string) error {
	if err := f.primary.Delete(ctx, id); err != nil {
		f.report("session delete", err)
	}
	return f.fallback.Delete(ctx, id)
}

// IDs implements SessionBackend. Primary ids come first, then ids only held
// in memory.
func (f *FallbackSessions) IDs(ctx context.Context) ([]string, error) {
	ids, err := f.primary.IDs(ctx)
	if err != nil {
		f.report("session scan", err)
		ids = nil
	}
	local, _ := f.fallback.IDs(ctx)
	if len(local) == 0 {
		return ids, nil
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range local {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Len implements SessionBackend.
func (f *FallbackSessions) Len(ctx context.Context) (int, error) {
	ids, err := f.IDs(ctx)
	return len(ids), err
}

// SweepIdle implements Sweeper for sessions held in memory during an outage.
func (f *FallbackSessions) SweepIdle(ctx context.Context, before time.Time) (int, error) {
	return f.fallback.SweepIdle(ctx, before)
}
