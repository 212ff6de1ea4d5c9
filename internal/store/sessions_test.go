package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

func newRedisBackend(t *testing.T) (*RedisSessions, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessions(client), mr
}

func sampleSession(id string) *domain.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Messages: []domain.Message{
			{ID: "m1", Role: domain.RoleUser, Content: "hi", Timestamp: now},
		},
	}
}

func backends(t *testing.T) map[string]SessionBackend {
	t.Helper()
	r, _ := newRedisBackend(t)
	wrapped, _ := newRedisBackend(t)
	return map[string]SessionBackend{
		"redis":    r,
		"memory":   NewMemorySessions(),
		"fallback": NewFallbackSessions(wrapped, nil),
	}
}

func TestSessionBackendRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := b.Load(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := b.Save(ctx, sampleSession("a"), time.Hour); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := b.Save(ctx, sampleSession("b"), time.Hour); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := b.Load(ctx, "a")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.ID != "a" || len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
				t.Fatalf("unexpected session: %+v", got)
			}

			ids, err := b.IDs(ctx)
			if err != nil {
				t.Fatalf("IDs: %v", err)
			}
			sort.Strings(ids)
			if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
				t.Fatalf("unexpected ids: %v", ids)
			}

			if err := b.Delete(ctx, "a"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := b.Delete(ctx, "a"); err != nil {
				t.Fatalf("second Delete: %v", err)
			}
			if n, _ := b.Len(ctx); n != 1 {
				t.Fatalf("expected 1 session, got %d", n)
			}
		})
	}
}

func TestRedisSessionsExpire(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	if err := b.Save(ctx, sampleSession("x"), time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ttl := mr.TTL("session:x"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}

	mr.FastForward(time.Hour + time.Second)
	if _, err := b.Load(ctx, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected expired session, got %v", err)
	}
}

func TestMemorySessionsAreCopies(t *testing.T) {
	m := NewMemorySessions()
	ctx := context.Background()

	s := sampleSession("c")
	_ = m.Save(ctx, s, 0)
	s.Messages[0].Content = "mutated"
	s.Append(domain.Message{ID: "m2"})

	got, _ := m.Load(ctx, "c")
	if len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
		t.Fatalf("stored session was mutated through caller pointer: %+v", got.Messages)
	}

	got.Append(domain.Message{ID: "m3"})
	again, _ := m.Load(ctx, "c")
	if len(again.Messages) != 1 {
		t.Fatal("loaded session shares state with the store")
	}
}

func TestMemorySessionsSweepIdle(t *testing.T) {
	m := NewMemorySessions()
	ctx := context.Background()
	now := time.Now()

	old := sampleSession("old")
	old.UpdatedAt = now.Add(-25 * time.Hour)
	fresh := sampleSession("fresh")
	fresh.UpdatedAt = now.Add(-time.Hour)
	_ = m.Save(ctx, old, 0)
	_ = m.Save(ctx, fresh, 0)

	n, err := m.SweepIdle(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 swept, got %d err=%v", n, err)
	}
	if _, err := m.Load(ctx, "old"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("expected old session to be swept")
	}
	ids, _ := m.IDs(ctx)
	if len(ids) != 1 || ids[0] != "fresh" {
		t.Fatalf("unexpected ids after sweep: %v", ids)
	}
}

func TestMemorySessionsSweepKeepsOrder(t *testing.T) {
	m := NewMemorySessions()
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		s := sampleSession(id)
		if i%2 == 1 {
			s.UpdatedAt = now.Add(-48 * time.Hour)
		}
		_ = m.Save(ctx, s, 0)
	}

	n, _ := m.SweepIdle(ctx, now.Add(-24*time.Hour))
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	ids, _ := m.IDs(ctx)
	if !slices.Equal(ids, []string{"a", "c", "e"}) {
		t.Fatalf("unexpected ids after sweep: %v", ids)
	}
	if l, _ := m.Len(ctx); l != 3 {
		t.Fatalf("expected 3 sessions, got %d", l)
	}
}

func TestUniqueIDs(t *testing.T) {
	got := uniqueIDs([]string{"session:a", "session:b", "session:a", "session:c", "session:b"}, "session:")
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected ids %v", got)
	}
}

func TestRedisSessionsLenCountsEachSessionOnce(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()
	for i := 0; i < 250; i++ {
		if err := b.Save(ctx, sampleSession(fmt.Sprintf("s%03d", i)), time.Hour); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if n, err := b.Len(ctx); err != nil || n != 250 {
		t.Fatalf("expected 250 sessions, got %d err=%v", n, err)
	}
}

type reportLog struct {
	mu  sync.Mutex
	ops []string
}

func (r *reportLog) report(op string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *reportLog) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

func TestFallbackSessionsSurviveRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	var reports reportLog
	b := NewFallbackSessions(NewRedisSessions(client, WithOpTimeout(200*time.Millisecond)), reports.report)
	ctx := context.Background()

	if err := b.Save(ctx, sampleSession("before"), time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mr.Close()

	if err := b.Save(ctx, sampleSession("during"), time.Hour); err != nil {
		t.Fatalf("Save during outage must not fail: %v", err)
	}
	got, err := b.Load(ctx, "during")
	if err != nil || got.ID != "during" {
		t.Fatalf("expected session from memory, got %+v err=%v", got, err)
	}
	if _, err := b.Load(ctx, "before"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unreachable session must read as not found, got %v", err)
	}
	ids, err := b.IDs(ctx)
	if err != nil || !slices.Equal(ids, []string{"during"}) {
		t.Fatalf("unexpected ids %v err=%v", ids, err)
	}
	if err := b.Delete(ctx, "during"); err != nil {
		t.Fatalf("Delete during outage must not fail: %v", err)
	}
	if reports.count() == 0 {
		t.Fatal("expected the outage to be reported")
	}
	if b.Name() != "redis" {
		t.Fatalf("expected primary name, got %s", b.Name())
	}
}
