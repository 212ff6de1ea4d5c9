package deploy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reporter describes the deployed stack.
type Reporter interface {
	Report(ctx context.Context) ([]ServiceStatus, error)
}

// Deployer runs pull, rebuild and status report in the background, one
// deploy at a time. A trigger during a running deploy schedules exactly one
// follow-up run so the latest push is always deployed.
type Deployer struct {
	puller   Puller
	composer Composer
	reporter Reporter
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	pending bool
	wg      sync.WaitGroup
}

// NewDeployer wires the deploy steps. reporter may be nil.
func NewDeployer(puller Puller, composer Composer, reporter Reporter, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		puller:   puller,
		composer: composer,
		reporter: reporter,
		logger:   logger,
		timeout:  5 * time.Minute,
	}
}

// Trigger starts a deploy, or queues one if a deploy is already running. It
// reports whether a new run was started.
func (d *Deployer) Trigger() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.pending = true
		d.logger.Info("Deploy already running, queued a follow-up")
		return false
	}
	d.running = true
	d.wg.Add(1)
	go d.loop()
	return true
}

// Wait blocks until no deploy is running.
func (d *Deployer) Wait() {
	d.wg.Wait()
}

func (d *Deployer) loop() {
	defer d.wg.Done()
	for {
		d.run()

		d.mu.Lock()
		if !d.pending {
			d.running = false
			d.mu.Unlock()
			return
		}
		d.pending = false
		d.mu.Unlock()
	}
}

func (d *Deployer) run() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	start := time.Now()

	d.logger.Info("Pulling main")
	if err := d.puller.Pull(ctx); err != nil {
		d.logger.Error("git pull failed", "error", err)
		return
	}
	if h, ok := d.puller.(interface{ Head() (string, error) }); ok {
		if head, err := h.Head(); err == nil {
			d.logger.Info("git pull completed", "head", head)
		}
	}

	d.logger.Info("Rebuilding services")
	if err := d.composer.Up(ctx); err != nil {
		d.logger.Error("compose up failed", "error", err)
		return
	}
	d.logger.Info("compose up completed", "duration", time.Since(start).Round(time.Millisecond))

	if d.reporter == nil {
		return
	}
	services, err := d.reporter.Report(ctx)
	if err != nil {
		d.logger.Warn("Failed to read container status", "error", err)
		return
	}
	for _, s := range services {
		d.logger.Info("Service status", "service", s.Service, "container", s.Name, "state", s.State, "status", s.Status)
	}
}
