// Package session implements the chat session store: a sliding-expiry view over
// a Redis or in-memory backend, chosen once at startup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashureev/myopenclawagent/internal/domain"
	"github.com/ashureev/myopenclawagent/internal/store"
)

const (
	// DefaultTTL is how long an untouched session survives.
	DefaultTTL = 24 * time.Hour

	defaultSweepSpec = "@every 1h"
	defaultPageSize  = 100
)

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the sliding session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSweepSchedule sets the cron spec used for the idle sweep of backends
// without native expiry.
func WithSweepSchedule(spec string) Option {
	return func(s *Store) { s.sweepSpec = spec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the session service used by the HTTP layer.
type Store struct {
	backend   store.SessionBackend
	ttl       time.Duration
	now       func() time.Time
	sweepSpec string
	logger    *slog.Logger

	cronMu sync.Mutex
	cron   *cron.Cron

	locks keyedMutex
}

// New creates a session store over backend.
func New(backend store.SessionBackend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		ttl:       DefaultTTL,
		now:       time.Now,
		sweepSpec: defaultSweepSpec,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locks.m = make(map[string]*lockEntry)
	return s
}

// Backend returns the backend name ("redis" or "memory").
func (s *Store) Backend() string { return s.backend.Name() }

// Init starts background maintenance. Backends with native expiry need none.
func (s *Store) Init(_ context.Context) error {
	sw, ok := s.backend.(store.Sweeper)
	if !ok {
		s.logger.Info("Session store initialized", "backend", s.backend.Name())
		return nil
	}

	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.sweepSpec, func() { s.sweep(sw) }); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("Session store initialized", "backend", s.backend.Name(), "sweep", s.sweepSpec)
	return nil
}

// Shutdown stops background maintenance and waits for a running sweep.
func (s *Store) Shutdown() {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Store) sweep(sw store.Sweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := sw.SweepIdle(ctx, s.now().Add(-s.ttl))
	if err != nil {
		s.logger.Error("Session sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Cleaned up expired sessions", "count", n)
	}
}

// SweepNow runs one idle sweep synchronously. It is a no-op for backends with
// native expiry.
func (s *Store) SweepNow() {
	if sw, ok := s.backend.(store.Sweeper); ok {
		s.sweep(sw)
	}
}

// Get returns the session and refreshes its expiry.
func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.expired(sess) {
		_ = s.backend.Delete(ctx, id)
		return nil, domain.ErrNotFound
	}
	sess.UpdatedAt = s.now()
	if err := s.backend.Save(ctx, sess, s.ttl); err != nil {
		return nil, fmt.Errorf("refresh session %s: %w", id, err)
	}
	return sess, nil
}

// expired reports whether a session outlived the ttl but has not been swept yet.
func (s *Store) expired(sess *domain.Session) bool {
	return sess.IdleSince(s.now()) > s.ttl
}

// Set stores the session wholesale with a fresh expiry.
func (s *Store) Set(ctx context.Context, id string, sess *domain.Session) error {
	sess.ID = id
	sess.UpdatedAt = s.now()
	if sess.Messages == nil {
		sess.Messages = []domain.Message{}
	}
	if err := s.backend.Save(ctx, sess, s.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	return nil
}

// Create builds a new session from init and persists it. A missing id is
// generated.
func (s *Store) Create(ctx context.Context, init domain.Session) (*domain.Session, error) {
	now := s.now()
	sess := &domain.Session{
		ID:        init.ID,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []domain.Message{},
		ClientIP:  init.ClientIP,
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if len(init.Messages) > 0 {
		sess.Messages = append(sess.Messages, init.Messages...)
	}
	if err := s.Set(ctx, sess.ID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a session. Missing sessions are ignored.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// List returns a page of sessions in backend enumeration order. Listing does
// not refresh expiry.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	ids, err := s.backend.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	if offset >= len(ids) {
		return []*domain.Session{}, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}

	out := make([]*domain.Session, 0, end-offset)
	for _, id := range ids[offset:end] {
		sess, err := s.backend.Load(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Count returns the number of live sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.backend.Len(ctx)
}

// Stats summarizes all live sessions.
func (s *Store) Stats(ctx context.Context) (domain.SessionStats, error) {
	ids, err := s.backend.IDs(ctx)
	if err != nil {
		return domain.SessionStats{}, fmt.Errorf("list session ids: %w", err)
	}

	var stats domain.SessionStats
	hourAgo := s.now().Add(-time.Hour)
	for _, id := range ids {
		sess, err := s.backend.Load(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.SessionStats{}, err
		}
		stats.Total++
		stats.TotalMessages += len(sess.Messages)
		if sess.UpdatedAt.After(hourAgo) {
			stats.ActiveLastHour++
		}
	}
	return stats, nil
}

// AppendTurn appends a user message and the assistant reply to the session,
// creating the session if it does not exist. Turns for the same session id are
// serialized within this process.
func (s *Store) AppendTurn(ctx context.Context, id, clientIP string, user, reply domain.Message) (*domain.Session, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		sess, err = s.Create(ctx, domain.Session{ID: id, ClientIP: clientIP})
	}
	if err != nil {
		return nil, err
	}

	sess.Append(user, reply)
	if err := s.Set(ctx, sess.ID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &lockEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
