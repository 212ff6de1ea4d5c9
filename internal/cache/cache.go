// Package cache owns the shared Redis connection used by the session store,
// rate limiter, abuse scorer and traffic logger.
//
// A missing or unusable REDIS_URL is a valid operating mode: Client returns nil
// and every dependent component falls back to reduced functionality.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	maxRetries      = 3
	minRetryBackoff = 200 * time.Millisecond
	maxRetryBackoff = 2 * time.Second
)

// ErrUnavailable is returned by operations that require Redis when none is configured.
var ErrUnavailable = errors.New("cache unavailable")

// PingResult reports cache reachability without failing the caller.
type PingResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Accessor lazily builds and hands out a single shared Redis client.
type Accessor struct {
	url       string
	opTimeout time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	client  *redis.Client
	initErr error

	errLog rate.Sometimes
}

// New creates an accessor for url. No connection is made until first use.
func New(url string, opTimeout time.Duration, logger *slog.Logger) *Accessor {
	if logger == nil {
		logger = slog.Default()
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Accessor{
		url:       url,
		opTimeout: opTimeout,
		logger:    logger,
		errLog:    rate.Sometimes{First: 5, Interval: 30 * time.Second},
	}
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, opTimeout time.Duration) *Accessor {
	a := New("", opTimeout, nil)
	a.client = client
	return a
}

// Client returns the shared client, or nil if Redis is not configured or the
// client could not be constructed. Construction failures are remembered.
func (a *Accessor) Client() *redis.Client {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client
	}
	if a.url == "" || a.initErr != nil {
		return nil
	}

	opts, err := redis.ParseURL(a.url)
	if err != nil {
		a.initErr = fmt.Errorf("parse REDIS_URL: %w", err)
		a.logger.Error("Redis init error", "error", a.initErr)
		return nil
	}
	opts.MaxRetries = maxRetries
	opts.MinRetryBackoff = minRetryBackoff
	opts.MaxRetryBackoff = maxRetryBackoff
	opts.DialTimeout = a.opTimeout
	opts.ReadTimeout = a.opTimeout
	opts.WriteTimeout = a.opTimeout
	opts.OnConnect = func(_ context.Context, _ *redis.Conn) error {
		a.logger.Info("Redis connected", "addr", opts.Addr)
		return nil
	}

	a.client = redis.NewClient(opts)
	return a.client
}

// Available reports whether a client can be handed out.
func (a *Accessor) Available() bool {
	return a.Client() != nil
}

// OpContext bounds a single cache operation so a slow cache cannot hang a request.
func (a *Accessor) OpContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := 2 * time.Second
	if a != nil {
		timeout = a.opTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Ping checks connectivity. It never returns an error to the caller.
func (a *Accessor) Ping(ctx context.Context) PingResult {
	c := a.Client()
	if c == nil {
		return PingResult{OK: false, Error: "not configured"}
	}
	opCtx, cancel := a.OpContext(ctx)
	defer cancel()

	pong, err := c.Ping(opCtx).Result()
	if err != nil {
		return PingResult{OK: false, Error: err.Error()}
	}
	return PingResult{OK: pong == "PONG"}
}

// Disconnect closes the client. It is safe to call more than once and when
// no client was ever created.
func (a *Accessor) Disconnect() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.client
	a.client = nil
	a.initErr = nil
	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// LogError reports a failed cache operation, throttled so an unreachable cache
// does not flood the log.
func (a *Accessor) LogError(op string, err error) {
	if a == nil || err == nil {
		return
	}
	a.errLog.Do(func() {
		a.logger.Warn("Redis operation failed, degrading", "op", op, "error", err)
	})
}
