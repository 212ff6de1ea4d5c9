// Package agent keeps the in-process registry of spawned agents and the
// initializers that bring them up.
package agent

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

const (
	// DefaultIdleTTL is how long an agent may go untouched before it is reaped.
	DefaultIdleTTL = time.Hour

	// DefaultReapInterval is how often the idle reaper runs.
	DefaultReapInterval = 5 * time.Minute

	defaultInitTimeout = 10 * time.Second
)

// SpawnRequest describes an agent to create.
type SpawnRequest struct {
	Type     domain.AgentType
	Config   map[string]any
	ClientIP string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status domain.AgentStatus
}

type entry struct {
	agent   domain.Agent
	runtime Runtime
}

// Registry tracks live agents. Records are never shared with callers; every
// accessor returns a copy.
type Registry struct {
	initializer Initializer
	idleTTL     time.Duration
	initTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu     sync.RWMutex
	agents map[string]*entry

	reaperMu sync.Mutex
	stopReap context.CancelFunc
	reapDone chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTTL overrides the idle lifetime of agents.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) { r.idleTTL = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry using initializer to bring agents up.
func NewRegistry(initializer Initializer, opts ...Option) *Registry {
	if initializer == nil {
		initializer = NewDelayInitializer()
	}
	r := &Registry{
		initializer: initializer,
		idleTTL:     DefaultIdleTTL,
		initTimeout: defaultInitTimeout,
		now:         time.Now,
		logger:      slog.Default(),
		agents:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cloneAgent(a domain.Agent) *domain.Agent {
	a.Config = maps.Clone(a.Config)
	return &a
}

// Spawn registers a new agent and initializes it. Initialization failure is
// recorded on the agent (status error) rather than returned.
func (r *Registry) Spawn(ctx context.Context, req SpawnRequest) *domain.Agent {
	now := r.now()
	e := &entry{agent: domain.Agent{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Status:       domain.AgentInitializing,
		CreatedAt:    now,
		LastActivity: now,
		ClientIP:     req.ClientIP,
		Config:       maps.Clone(req.Config),
	}}
	if e.agent.Config == nil {
		e.agent.Config = map[string]any{}
	}

	id := e.agent.ID
	snapshot := cloneAgent(e.agent)
	r.mu.Lock()
	r.agents[id] = e
	r.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, r.initTimeout)
	defer cancel()
	rt, err := r.initializer.Initialize(initCtx, snapshot)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		// Terminated while initializing; the record already says so.
		if rt != nil {
			_ = rt.Close()
		}
		return cloneAgent(e.agent)
	}

	if err != nil {
		r.transitionLocked(e, domain.AgentError)
		e.agent.Error = err.Error()
		r.logger.Warn("Agent initialization failed", "agent_id", e.agent.ID, "type", e.agent.Type, "error", err)
	} else {
		r.transitionLocked(e, domain.AgentRunning)
		e.runtime = rt
		r.logger.Info("Agent spawned", "agent_id", e.agent.ID, "type", e.agent.Type)
	}
	return cloneAgent(e.agent)
}

// transitionLocked moves e to next. Caller holds r.mu.
func (r *Registry) transitionLocked(e *entry, next domain.AgentStatus) {
	if !e.agent.Status.CanTransition(next) {
		r.logger.Warn("Unexpected agent status change", "agent_id", e.agent.ID, "from", e.agent.Status, "to", next)
	}
	e.agent.Status = next
}

// detachLocked removes e from the registry and marks it terminated. The
// returned runtime must be closed by the caller outside the lock.
func (r *Registry) detachLocked(id string, e *entry) Runtime {
	delete(r.agents, id)
	r.transitionLocked(e, domain.AgentTerminated)
	rt := e.runtime
	e.runtime = nil
	return rt
}

// Get returns the agent and marks it active.
func (r *Registry) Get(id string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	e.agent.LastActivity = r.now()
	return cloneAgent(e.agent), nil
}

// Terminate releases the agent's runtime and removes it.
func (r *Registry) Terminate(id string) error {
	r.mu.Lock()
	e, ok := r.agents[id]
	var rt Runtime
	if ok {
		rt = r.detachLocked(id, e)
	}
	r.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	r.release(detached{id: id, runtime: rt}, "terminated")
	return nil
}

type detached struct {
	id      string
	runtime Runtime
}

// release closes a detached agent's runtime. It never touches the entry, which
// a concurrent Spawn may still be reading.
func (r *Registry) release(d detached, reason string) {
	if d.runtime != nil {
		if err := d.runtime.Close(); err != nil {
			r.logger.Warn("Failed to release agent runtime", "agent_id", d.id, "error", err)
		}
	}
	r.logger.Info("Agent terminated", "agent_id", d.id, "reason", reason)
}

// List returns agents matching f, oldest first.
func (r *Registry) List(f Filter) []*domain.Agent {
	r.mu.RLock()
	out := make([]*domain.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		if f.Status != "" && e.agent.Status != f.Status {
			continue
		}
		out = append(out, cloneAgent(e.agent))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Stats summarizes live agents by status and type.
func (r *Registry) Stats() domain.AgentStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := domain.AgentStats{
		Total:    len(r.agents),
		ByStatus: map[domain.AgentStatus]int{},
		ByType:   map[domain.AgentType]int{},
	}
	for _, e := range r.agents {
		stats.ByStatus[e.agent.Status]++
		stats.ByType[e.agent.Type]++
	}
	return stats
}

// ReapIdle terminates running or failed agents idle longer than the TTL and
// returns how many were removed.
func (r *Registry) ReapIdle() int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var stale []detached
	for id, e := range r.agents {
		if e.agent.Status == domain.AgentInitializing {
			continue
		}
		if e.agent.LastActivity.Before(cutoff) {
			stale = append(stale, detached{id: id, runtime: r.detachLocked(id, e)})
		}
	}
	r.mu.Unlock()

	for _, d := range stale {
		r.release(d, "idle timeout")
	}
	return len(stale)
}

// StartIdleReaper runs ReapIdle every interval until ctx is cancelled or
// Shutdown is called. Calling it again replaces the running reaper.
func (r *Registry) StartIdleReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	r.stopReaper()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.reaperMu.Lock()
	r.stopReap = cancel
	r.reapDone = done
	r.reaperMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.ReapIdle(); n > 0 {
					r.logger.Info("Reaped idle agents", "count", n)
				}
			}
		}
	}()
	r.logger.Info("Agent idle reaper started", "interval", interval, "ttl", r.idleTTL)
}

func (r *Registry) stopReaper() {
	r.reaperMu.Lock()
	cancel, done := r.stopReap, r.reapDone
	r.stopReap, r.reapDone = nil, nil
	r.reaperMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Shutdown stops the reaper and terminates every agent.
func (r *Registry) Shutdown() {
	r.stopReaper()

	r.mu.Lock()
	all := make([]detached, 0, len(r.agents))
	for id, e := range r.agents {
		all = append(all, detached{id: id, runtime: r.detachLocked(id, e)})
	}
	r.mu.Unlock()

	for _, d := range all {
		r.release(d, "shutdown")
	}
	if len(all) > 0 {
		r.logger.Info("Agents terminated on shutdown", "count", len(all))
	}
}
