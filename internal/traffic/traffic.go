// Package traffic counts requests per path, per day and per unique IP in Redis.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/myopenclawagent/internal/cache"
)

const (
	totalKey    = "traffic:total"
	pathPrefix  = "traffic:path:"
	dailyPrefix = "traffic:daily:"
	ipsKey      = "traffic:ips"

	dailyTTL = 31 * 24 * time.Hour
)

// Hit is one request to count.
type Hit struct {
	Route string
	IP    string
	At    time.Time
}

// Snapshot is the current traffic totals.
type Snapshot struct {
	Total     int64 `json:"total"`
	Today     int64 `json:"today"`
	UniqueIPs int64 `json:"uniqueIps"`
}

// Logger writes traffic counters.
type Logger struct {
	cache *cache.Accessor
	now   func() time.Time
}

// NewLogger creates a traffic logger over the shared cache.
func NewLogger(c *cache.Accessor) *Logger {
	return &Logger{cache: c, now: time.Now}
}

// Enabled reports whether counters can be written.
func (l *Logger) Enabled() bool {
	return l.cache.Available()
}

func dayKey(t time.Time) string {
	return dailyPrefix + t.UTC().Format(time.DateOnly)
}

// Record pipelines the counters for one hit. It is a no-op without Redis.
func (l *Logger) Record(ctx context.Context, h Hit) error {
	c := l.cache.Client()
	if c == nil {
		return nil
	}
	if h.At.IsZero() {
		h.At = l.now()
	}
	ip := h.IP
	if ip == "" {
		ip = "unknown"
	}
	daily := dayKey(h.At)

	ctx, cancel := l.cache.OpContext(ctx)
	defer cancel()
	pipe := c.Pipeline()
	pipe.Incr(ctx, totalKey)
	pipe.Incr(ctx, pathPrefix+h.Route)
	pipe.Incr(ctx, daily)
	pipe.Expire(ctx, daily, dailyTTL)
	pipe.SAdd(ctx, ipsKey, ip)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("traffic log: %w", err)
	}
	return nil
}

// Snapshot reads the totals. Missing counters read as zero.
func (l *Logger) Snapshot(ctx context.Context) (Snapshot, error) {
	c := l.cache.Client()
	if c == nil {
		return Snapshot{}, cache.ErrUnavailable
	}
	ctx, cancel := l.cache.OpContext(ctx)
	defer cancel()

	pipe := c.Pipeline()
	total := pipe.Get(ctx, totalKey)
	today := pipe.Get(ctx, dayKey(l.now()))
	ips := pipe.SCard(ctx, ipsKey)
	// redis.Nil for unset counters is expected; per-command errors are checked below.
	_, _ = pipe.Exec(ctx)

	var s Snapshot
	var err error
	if s.Total, err = counter(total.Int64()); err != nil {
		return Snapshot{}, err
	}
	if s.Today, err = counter(today.Int64()); err != nil {
		return Snapshot{}, err
	}
	if s.UniqueIPs, err = ips.Result(); err != nil {
		return Snapshot{}, fmt.Errorf("traffic ips: %w", err)
	}
	return s, nil
}

func counter(v int64, err error) (int64, error) {
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("traffic counter: %w", err)
	}
	return v, nil
}
