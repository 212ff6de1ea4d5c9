package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultServices are rebuilt on deploy. The webhook's own service is left out
// so the running deploy is not killed by it.
var DefaultServices = []string{"nginx", "api", "redis"}

// Composer rebuilds and restarts the stack.
type Composer interface {
	Up(ctx context.Context) error
}

// CommandRunner runs name with args in dir and returns combined output.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// ComposeRunner shells out to the docker compose plugin.
type ComposeRunner struct {
	Dir      string
	Project  string
	File     string
	Services []string
	Timeout  time.Duration
	Run      CommandRunner
}

// NewComposeRunner runs compose in dir with the project named after the
// host-side checkout, matching how the stack was first started.
func NewComposeRunner(dir, hostRepoPath string) *ComposeRunner {
	return &ComposeRunner{
		Dir:      dir,
		Project:  filepath.Base(hostRepoPath),
		File:     "docker-compose.yml",
		Services: DefaultServices,
		Timeout:  2 * time.Minute,
		Run:      execRunner,
	}
}

// Args returns the docker CLI arguments for the rebuild.
func (c *ComposeRunner) Args() []string {
	args := []string{"compose", "-p", c.Project, "-f", c.File, "up", "-d", "--build", "--no-deps"}
	return append(args, c.Services...)
}

// Up implements Composer.
func (c *ComposeRunner) Up(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	out, err := c.Run(ctx, c.Dir, "docker", c.Args()...)
	if err != nil {
		return fmt.Errorf("docker %s: %w: %s", strings.Join(c.Args(), " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
