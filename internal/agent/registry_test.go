package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingRuntime struct{ closed *atomic.Int32 }

func (r countingRuntime) Close() error {
	r.closed.Add(1)
	return nil
}

func okInit(closed *atomic.Int32) Initializer {
	return InitializerFunc(func(context.Context, *domain.Agent) (Runtime, error) {
		return countingRuntime{closed: closed}, nil
	})
}

func TestSpawnRunsAgent(t *testing.T) {
	r := NewRegistry(NewDelayInitializer())
	cfg := map[string]any{"model": "x"}

	a := r.Spawn(context.Background(), SpawnRequest{Type: domain.AgentTypeCoding, Config: cfg, ClientIP: "1.1.1.1"})
	if a.Status != domain.AgentRunning || a.ID == "" || a.Type != domain.AgentTypeCoding {
		t.Fatalf("unexpected agent: %+v", a)
	}
	cfg["model"] = "mutated"
	got, err := r.Get(a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Config["model"] != "x" {
		t.Fatal("registry shares config map with caller")
	}
}

func TestSpawnRecordsInitFailure(t *testing.T) {
	r := NewRegistry(InitializerFunc(func(context.Context, *domain.Agent) (Runtime, error) {
		return nil, errors.New("runtime down")
	}))

	a := r.Spawn(context.Background(), SpawnRequest{Type: domain.AgentTypeChat})
	if a.Status != domain.AgentError || a.Error != "runtime down" {
		t.Fatalf("expected error agent, got %+v", a)
	}
	if r.Count() != 1 {
		t.Fatal("failed agent should still be registered")
	}
}

func TestTerminateTwice(t *testing.T) {
	var closed atomic.Int32
	r := NewRegistry(okInit(&closed))
	a := r.Spawn(context.Background(), SpawnRequest{Type: domain.AgentTypeChat})

	if err := r.Terminate(a.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := r.Terminate(a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second terminate, got %v", err)
	}
	if _, err := r.Get(a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after terminate, got %v", err)
	}
	if closed.Load() != 1 {
		t.Fatalf("expected runtime released once, got %d", closed.Load())
	}
}

func TestListFilterAndStats(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	fail := errors.New("nope")
	r := NewRegistry(InitializerFunc(func(_ context.Context, a *domain.Agent) (Runtime, error) {
		if a.Type == domain.AgentTypeResearch {
			return nil, fail
		}
		return nopRuntime{}, nil
	}), WithClock(clock.Now))

	ctx := context.Background()
	first := r.Spawn(ctx, SpawnRequest{Type: domain.AgentTypeChat})
	clock.Advance(time.Second)
	r.Spawn(ctx, SpawnRequest{Type: domain.AgentTypeChat})
	clock.Advance(time.Second)
	r.Spawn(ctx, SpawnRequest{Type: domain.AgentTypeResearch})

	all := r.List(Filter{})
	if len(all) != 3 || all[0].ID != first.ID {
		t.Fatalf("expected 3 agents oldest first, got %+v", all)
	}
	if running := r.List(Filter{Status: domain.AgentRunning}); len(running) != 2 {
		t.Fatalf("expected 2 running, got %d", len(running))
	}

	stats := r.Stats()
	if stats.Total != 3 || stats.ByStatus[domain.AgentError] != 1 || stats.ByType[domain.AgentTypeChat] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReapIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var closed atomic.Int32
	r := NewRegistry(okInit(&closed), WithClock(clock.Now))
	ctx := context.Background()

	idle := r.Spawn(ctx, SpawnRequest{Type: domain.AgentTypeChat})
	busy := r.Spawn(ctx, SpawnRequest{Type: domain.AgentTypeChat})

	clock.Advance(50 * time.Minute)
	if _, err := r.Get(busy.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	clock.Advance(11 * time.Minute)

	if n := r.ReapIdle(); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	if _, err := r.Get(idle.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("idle agent should be reaped")
	}
	if _, err := r.Get(busy.ID); err != nil {
		t.Fatal("recently used agent should survive")
	}
	if closed.Load() != 1 {
		t.Fatalf("expected one runtime released, got %d", closed.Load())
	}
}

func TestReapIdleRemovesFailedAgents(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(InitializerFunc(func(context.Context, *domain.Agent) (Runtime, error) {
		return nil, errors.New("boom")
	}), WithClock(clock.Now))

	r.Spawn(context.Background(), SpawnRequest{Type: domain.AgentTypeChat})
	clock.Advance(2 * time.Hour)
	if n := r.ReapIdle(); n != 1 || r.Count() != 0 {
		t.Fatalf("expected failed agent reaped, reaped=%d count=%d", n, r.Count())
	}
}

func TestIdleReaperLoopAndShutdown(t *testing.T) {
	var closed atomic.Int32
	r := NewRegistry(okInit(&closed), WithIdleTTL(time.Millisecond))
	r.Spawn(context.Background(), SpawnRequest{Type: domain.AgentTypeChat})

	r.StartIdleReaper(context.Background(), 10*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for r.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Count() != 0 {
		t.Fatal("reaper did not remove idle agent")
	}

	r.Spawn(context.Background(), SpawnRequest{Type: domain.AgentTypeChat})
	r.Shutdown()
	if r.Count() != 0 || closed.Load() != 2 {
		t.Fatalf("shutdown should release all agents, count=%d closed=%d", r.Count(), closed.Load())
	}
}

func TestDelayInitializerHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (DelayInitializer{Delay: time.Hour}).Initialize(ctx, &domain.Agent{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTypesCatalog(t *testing.T) {
	types := Types()
	if len(types) != 3 {
		t.Fatalf("expected 3 agent types, got %d", len(types))
	}
	for _, ti := range types {
		if !ti.ID.Valid() || ti.Name == "" || ti.Description == "" {
			t.Fatalf("bad catalog entry: %+v", ti)
		}
	}
}

func TestTerminateDuringInitialize(t *testing.T) {
	var closed atomic.Int32
	started := make(chan string, 1)
	unblock := make(chan struct{})
	r := NewRegistry(InitializerFunc(func(_ context.Context, a *domain.Agent) (Runtime, error) {
		started <- a.ID
		<-unblock
		return countingRuntime{closed: &closed}, nil
	}))

	result := make(chan *domain.Agent, 1)
	go func() {
		result <- r.Spawn(context.Background(), SpawnRequest{Type: domain.AgentTypeChat})
	}()

	id := <-started
	if err := r.Terminate(id); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	// Readers racing with the terminated record.
	_ = r.List(Filter{})
	_ = r.Stats()
	close(unblock)

	a := <-result
	if a.Status != domain.AgentTerminated {
		t.Fatalf("expected terminated agent, got %s", a.Status)
	}
	if closed.Load() != 1 {
		t.Fatalf("runtime from a cancelled spawn must be closed once, got %d", closed.Load())
	}
	if r.Count() != 0 {
		t.Fatal("terminated agent must not stay registered")
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to domain.AgentStatus
		want     bool
	}{
		{domain.AgentInitializing, domain.AgentRunning, true},
		{domain.AgentInitializing, domain.AgentError, true},
		{domain.AgentInitializing, domain.AgentTerminated, true},
		{domain.AgentRunning, domain.AgentTerminated, true},
		{domain.AgentError, domain.AgentTerminated, true},
		{domain.AgentRunning, domain.AgentInitializing, false},
		{domain.AgentTerminated, domain.AgentRunning, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
