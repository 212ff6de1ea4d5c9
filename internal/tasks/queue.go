// Package tasks runs fire-and-forget side effects (traffic counters, contact
// email delivery) off the request path. Task failures are logged, never
// returned to the request that submitted them.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("task queue closed")

// Func is a unit of background work.
type Func func(ctx context.Context) error

type task struct {
	name string
	fn   Func
}

// Queue is a bounded task queue drained by a fixed set of workers.
type Queue struct {
	ch      chan task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	closeMu sync.RWMutex
	closed  bool

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewQueue starts workers goroutines reading from a queue of the given size.
func NewQueue(workers, size int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		ch:     make(chan task, size),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit queues fn without blocking. When the queue is full the oldest queued
// task is dropped to make room.
func (q *Queue) Submit(name string, fn Func) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	t := task{name: name, fn: fn}
	select {
	case q.ch <- t:
		return nil
	default:
	}

	select {
	case old := <-q.ch:
		q.dropped.Add(1)
		q.logger.Warn("Task queue full, dropped oldest task", "dropped", old.name, "queued", name)
	default:
	}

	select {
	case q.ch <- t:
	default:
		q.dropped.Add(1)
		q.logger.Warn("Task queue full, dropped task", "task", name)
	}
	return nil
}

// Dropped returns how many tasks were discarded due to backpressure.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Failed returns how many tasks returned an error or panicked.
func (q *Queue) Failed() int64 { return q.failed.Load() }

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.ch {
		q.run(t)
	}
}

func (q *Queue) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("Task panicked", "task", t.name, "panic", r)
		}
	}()
	if err := t.fn(q.ctx); err != nil {
		q.failed.Add(1)
		q.logger.Error("Task failed", "task", t.name, "error", err)
	}
}

// Close stops accepting tasks, lets workers drain the queue and waits for them.
// If ctx expires first, in-flight tasks see their context cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
