package agent

import (
	"context"
	"time"

	"github.com/ashureev/myopenclawagent/internal/domain"
)

// Runtime is the live handle of an initialized agent. Close releases it.
type Runtime interface {
	Close() error
}

// Initializer brings a freshly registered agent up.
type Initializer interface {
	Initialize(ctx context.Context, a *domain.Agent) (Runtime, error)
}

// InitializerFunc adapts a function to Initializer.
type InitializerFunc func(ctx context.Context, a *domain.Agent) (Runtime, error)

// Initialize implements Initializer.
func (f InitializerFunc) Initialize(ctx context.Context, a *domain.Agent) (Runtime, error) {
	return f(ctx, a)
}

type nopRuntime struct{}

func (nopRuntime) Close() error { return nil }

// DelayInitializer stands in for real agent startup by waiting a fixed delay.
type DelayInitializer struct {
	Delay time.Duration
}

// NewDelayInitializer returns the placeholder initializer (100ms).
func NewDelayInitializer() DelayInitializer {
	return DelayInitializer{Delay: 100 * time.Millisecond}
}

// Initialize implements Initializer.
func (d DelayInitializer) Initialize(ctx context.Context, _ *domain.Agent) (Runtime, error) {
	t := time.NewTimer(d.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nopRuntime{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
