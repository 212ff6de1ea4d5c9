// Deploy webhook: pulls main and rebuilds the compose stack on GitHub pushes.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/myopenclawagent/internal/config"
	"github.com/ashureev/myopenclawagent/internal/deploy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	wh := cfg.Webhook
	if wh.Secret == "" {
		slog.Error("GITHUB_WEBHOOK_SECRET is required")
		os.Exit(1)
	}

	puller := deploy.NewGitPuller(wh.RepoPath, wh.GitPullURL)
	composer := deploy.NewComposeRunner(wh.RepoPath, wh.HostRepoPath)

	var reporter deploy.Reporter
	docker, err := deploy.NewDockerClient()
	if err != nil {
		slog.Warn("Docker API unavailable, deploys will not report container status", "error", err)
	} else {
		defer docker.Close()
		reporter = deploy.NewStatusReporter(docker, filepath.Base(wh.HostRepoPath))
	}

	deployer := deploy.NewDeployer(puller, composer, reporter, logger)
	handler := deploy.NewHandler(wh.Secret, deployer, logger)

	srv := &http.Server{
		Addr:              ":" + wh.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Webhook listening", "addr", srv.Addr, "path", deploy.Path, "repo", wh.RepoPath, "project", composer.Project)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Webhook server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("Shutting down webhook...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Webhook forced to shutdown", "error", err)
	}
	deployer.Wait()
	slog.Info("Webhook stopped")
}
