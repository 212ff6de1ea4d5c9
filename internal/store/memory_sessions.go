package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

var (
	_ SessionBackend = (*MemorySessions)(nil)
	_ Sweeper        = (*MemorySessions)(nil)
)

// MemorySessions keeps sessions in process memory. Stored values are deep
// copies, so callers never share a *domain.Session with the map. The ttl passed
// to Save is ignored; expiry is enforced by SweepIdle.
type MemorySessions struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	order    []string
}

// NewMemorySessions creates an empty in-memory session backend.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]*domain.Session)}
}

// Name implements SessionBackend.
func (m *MemorySessions) Name() string { return "memory" }

// Load implements SessionBackend.
func (m *MemorySessions) Load(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

// Save implements SessionBackend.
func (m *MemorySessions) Save(_ context.Context, s *domain.Session, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		m.order = append(m.order, s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// Delete implements SessionBackend.
func (m *MemorySessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(id)
	return nil
}

func (m *MemorySessions) deleteLocked(id string) {
	if _, ok := m.sessions[id]; !ok {
		return
	}
	delete(m.sessions, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// IDs implements SessionBackend. Ids are returned in insertion order.
func (m *MemorySessions) IDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

// Len implements SessionBackend.
func (m *MemorySessions) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}

// SweepIdle implements Sweeper.
func (m *MemorySessions) SweepIdle(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.order = slices.DeleteFunc(m.order, func(id string) bool {
			_, ok := m.sessions[id]
			return !ok
		})
	}
	return removed, nil
}
