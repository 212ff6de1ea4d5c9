package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/myopenclawagent/internal/cache"
)

// Counter increments a fixed-window counter for key and reports the count
// after the increment and the time until the window resets.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAfter time.Duration, err error)
}

// incrScript starts the window on the first hit and repairs keys that lost
// their expiry.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisCounter keeps windows in Redis so every instance shares them.
type RedisCounter struct {
	cache *cache.Accessor
}

// NewRedisCounter creates a counter over the shared cache.
func NewRedisCounter(c *cache.Accessor) *RedisCounter {
	return &RedisCounter{cache: c}
}

// Incr implements Counter. It returns cache.ErrUnavailable when Redis is not configured.
func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c := r.cache.Client()
	if c == nil {
		return 0, 0, cache.ErrUnavailable
	}
	ctx, cancel := r.cache.OpContext(ctx)
	defer cancel()

	vals, err := incrScript.Run(ctx, c, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit incr %s: %w", key, err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("rate limit incr %s: unexpected reply %v", key, vals)
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter keeps windows in process memory. Limits are per instance.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewMemoryCounter creates a counter and starts evicting expired windows every
// evictEvery. Pass 0 to disable background eviction.
func NewMemoryCounter(evictEvery time.Duration) *MemoryCounter {
	m := &MemoryCounter{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if evictEvery > 0 {
		go m.evictLoop(evictEvery)
	}
	return m
}

// Incr implements Counter.
func (m *MemoryCounter) Incr(_ context.Context, key string, win time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		m.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

// Len returns the number of tracked windows.
func (m *MemoryCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Evict drops expired windows.
func (m *MemoryCounter) Evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}

func (m *MemoryCounter) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Evict()
		}
	}
}

// Close stops background eviction.
func (m *MemoryCounter) Close() {
	m.once.Do(func() { close(m.stop) })
}
