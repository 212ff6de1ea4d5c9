// MyOpenClawAgent site API server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/myopenclawagent/internal/abuse"
	"github.com/ashureev/myopenclawagent/internal/agent"
	"github.com/ashureev/myopenclawagent/internal/api"
	"github.com/ashureev/myopenclawagent/internal/cache"
	"github.com/ashureev/myopenclawagent/internal/config"
	"github.com/ashureev/myopenclawagent/internal/contact"
	"github.com/ashureev/myopenclawagent/internal/metrics"
	"github.com/ashureev/myopenclawagent/internal/ratelimit"
	"github.com/ashureev/myopenclawagent/internal/session"
	"github.com/ashureev/myopenclawagent/internal/store"
	"github.com/ashureev/myopenclawagent/internal/stream"
	"github.com/ashureev/myopenclawagent/internal/tasks"
	"github.com/ashureev/myopenclawagent/internal/traffic"
	"github.com/ashureev/myopenclawagent/web"
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

	slog.Info("Starting server", "port", cfg.Port, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cache is optional; every consumer degrades without it.
	cacheAccessor := cache.New(cfg.RedisURL, cfg.CacheOpTimeout, logger)
	redisUp := false
	if cfg.RedisURL != "" {
		res := cacheAccessor.Ping(ctx)
		redisUp = res.OK
		if !res.OK {
			slog.Warn("Redis not reachable at startup, sessions stay in memory", "error", res.Error)
		}
	}

	var backend store.SessionBackend = store.NewMemorySessions()
	if client := cacheAccessor.Client(); client != nil && redisUp {
		backend = store.NewFallbackSessions(
			store.NewRedisSessions(client, store.WithOpTimeout(cfg.CacheOpTimeout)),
			cacheAccessor.LogError,
		)
	}
	sessions := session.New(backend, session.WithLogger(logger))
	if err := sessions.Init(ctx); err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}

	var initializer agent.Initializer = agent.NewDelayInitializer()
	if cfg.AgentRuntime != "" {
		slog.Info("Agent runtime health checks enabled", "address", cfg.AgentRuntime)
		initializer = agent.NewGrpcInitializer(agent.DefaultGrpcInitializerConfig(cfg.AgentRuntime), logger)
	}
	agents := agent.NewRegistry(initializer, agent.WithLogger(logger))
	agents.StartIdleReaper(ctx, agent.DefaultReapInterval)

	queue := tasks.NewQueue(4, 512, logger)
	m := metrics.New()

	var archive store.ContactArchive
	if cfg.DBPath != "" {
		db, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to open contact archive", "error", err, "path", cfg.DBPath)
			os.Exit(1)
		}
		if err := db.Ping(ctx); err != nil {
			slog.Error("Contact archive health check failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				slog.Error("Failed to close contact archive", "error", closeErr)
			}
		}()
		archive = db
		slog.Info("Contact archive ready", "path", cfg.DBPath)
	}

	var sender contact.Sender
	smtpSender, err := contact.NewSMTPSender(contact.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		To:       cfg.SMTP.To,
	})
	switch {
	case err == nil:
		sender = smtpSender
	case errors.Is(err, contact.ErrNotConfigured):
		slog.Warn("SMTP credentials not set, contact form disabled")
	default:
		slog.Error("Failed to configure SMTP", "error", err)
		os.Exit(1)
	}
	contactSvc := contact.NewService(sender, queue, contact.Options{
		SendsPerMinute: cfg.SMTP.SendsPerMinute,
		Archive:        archive,
		Metrics:        m,
		Logger:         logger,
	})

	var sharedCounter ratelimit.Counter
	if cacheAccessor.Available() {
		sharedCounter = ratelimit.NewRedisCounter(cacheAccessor)
	}
	limiter := ratelimit.NewLimiter(sharedCounter, nil, cacheAccessor, logger)

	hub := stream.NewHub(logger)

	m.GaugeFunc("myopenclaw_agents", "Agents in the registry", func() float64 {
		return float64(agents.Count())
	})
	m.GaugeFunc("myopenclaw_tasks_dropped", "Background tasks dropped due to backpressure", func() float64 {
		return float64(queue.Dropped())
	})
	m.GaugeFunc("myopenclaw_tasks_failed", "Background tasks that failed", func() float64 {
		return float64(queue.Failed())
	})

	handler := api.NewHandler(api.Deps{
		Config:   cfg,
		Sessions: sessions,
		Agents:   agents,
		Contact:  contactSvc,
		Cache:    cacheAccessor,
		Abuse:    abuse.NewDetector(cacheAccessor, logger),
		Traffic:  traffic.NewLogger(cacheAccessor),
		Limiter:  limiter,
		Queue:    queue,
		Hub:      hub,
		Metrics:  m,
		Static:   web.SPAHandler(),
		Logger:   logger,
	})

	// No WriteTimeout: /ws connections are long lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "sessions", sessions.Backend())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	sessions.Shutdown()
	agents.Shutdown()
	if err := queue.Close(shutdownCtx); err != nil {
		slog.Warn("Background tasks did not finish", "error", err)
	}
	limiter.Close()
	if err := cacheAccessor.Disconnect(); err != nil {
		slog.Error("Failed to close Redis connection", "error", err)
	}

	slog.Info("Server stopped successfully")
}
