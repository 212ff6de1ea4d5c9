package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/myopenclawagent/internal/cache"
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

func newMemoryLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	local := NewMemoryCounter(0)
	local.now = clock.Now
	l := NewLimiter(nil, local, nil, nil)
	t.Cleanup(l.Close)
	return l, clock
}

func TestMemoryLimiterWindow(t *testing.T) {
	l, clock := newMemoryLimiter(t)
	p := GeneralPolicy(time.Minute, 5)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d := l.Allow(ctx, p, "1.2.3.4")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 5-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 5-i, d.Remaining)
		}
	}

	d := l.Allow(ctx, p, "1.2.3.4")
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("request max+1 should be rejected: %+v", d)
	}
	if d.RetryAfterSeconds() != 60 {
		t.Fatalf("expected retry after 60s, got %d", d.RetryAfterSeconds())
	}

	if !l.Allow(ctx, p, "5.6.7.8").Allowed {
		t.Fatal("other keys must not share the window")
	}
	if !l.Allow(ctx, AdminPolicy, "1.2.3.4").Allowed {
		t.Fatal("policies must not share counters")
	}

	clock.Advance(time.Minute)
	if !l.Allow(ctx, p, "1.2.3.4").Allowed {
		t.Fatal("counter should reset after the window")
	}
}

func TestMemoryCounterEvict(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemoryCounter(0)
	m.now = clock.Now
	defer m.Close()

	_, _, _ = m.Incr(context.Background(), "a", time.Second)
	_, _, _ = m.Incr(context.Background(), "b", time.Hour)
	clock.Advance(2 * time.Second)
	m.Evict()
	if m.Len() != 1 {
		t.Fatalf("expected 1 live window, got %d", m.Len())
	}
}

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	acc := cache.NewFromClient(client, time.Second)
	l := NewLimiter(NewRedisCounter(acc), NewMemoryCounter(0), acc, nil)
	t.Cleanup(l.Close)
	return l, mr
}

func TestRedisLimiterWindow(t *testing.T) {
	l, mr := newRedisLimiter(t)
	p := GeneralPolicy(time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, p, "9.9.9.9").Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d := l.Allow(ctx, p, "9.9.9.9")
	if d.Allowed || d.Count != 4 {
		t.Fatalf("expected rejection on 4th request, got %+v", d)
	}
	if got, _ := mr.Get("rl:general:9.9.9.9"); got != "4" {
		t.Fatalf("expected shared counter 4, got %q", got)
	}
	if ttl := mr.TTL("rl:general:9.9.9.9"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window expiry, got %v", ttl)
	}

	mr.FastForward(time.Minute + time.Millisecond)
	if d := l.Allow(ctx, p, "9.9.9.9"); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
}

func TestRedisFailureFallsBackToMemory(t *testing.T) {
	l, mr := newRedisLimiter(t)
	p := GeneralPolicy(time.Minute, 1)
	ctx := context.Background()

	mr.SetError("ERR injected failure")
	if !l.Allow(ctx, p, "k").Allowed {
		t.Fatal("first request should be allowed by the local counter")
	}
	if l.Allow(ctx, p, "k").Allowed {
		t.Fatal("local counter should still enforce the limit")
	}
}

func TestRouterPolicyFor(t *testing.T) {
	rt := Router{General: GeneralPolicy(time.Minute, 100), Exempt: DefaultExempt}

	tests := []struct {
		path   string
		policy string
		ok     bool
	}{
		{"/api/v1/auth/login", "auth", true},
		{"/admin/stats", "admin", true},
		{"/api/v1/chat", "general", true},
		{"/health", "", false},
		{"/api/v1/status", "", false},
	}
	for _, tt := range tests {
		p, ok := rt.PolicyFor(tt.path)
		if ok != tt.ok || p.Name != tt.policy {
			t.Fatalf("%s: got policy %q ok=%v", tt.path, p.Name, ok)
		}
	}
}

func TestSlowDownDelay(t *testing.T) {
	tests := []struct {
		count int64
		after int
		want  time.Duration
	}{
		{10, 10, 0},
		{11, 10, 500 * time.Millisecond},
		{14, 10, 2 * time.Second},
		{100, 10, 8 * time.Second},
		{50, 0, 0},
	}
	for _, tt := range tests {
		if got := SlowDownDelay(tt.count, tt.after); got != tt.want {
			t.Fatalf("SlowDownDelay(%d, %d) = %v, want %v", tt.count, tt.after, got, tt.want)
		}
	}
}
