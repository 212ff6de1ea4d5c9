package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/myopenclawagent/internal/identity"
	"github.com/ashureev/myopenclawagent/internal/middleware"
	"github.com/ashureev/myopenclawagent/internal/ratelimit"
	"github.com/ashureev/myopenclawagent/internal/stream"
)

// maxBodyBytes caps JSON and form bodies.
const maxBodyBytes = 100 << 10

// Router assembles the middleware chain and every route.
func (h *Handler) Router() chi.Router {
	cfg := h.Config
	policies := ratelimit.Router{
		General: ratelimit.GeneralPolicy(cfg.RateLimit.Window, cfg.RateLimit.Max),
		Exempt:  ratelimit.DefaultExempt,
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics(h.Metrics))
	r.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chiMiddleware.RequestSize(maxBodyBytes))
	r.Use(identity.Middleware(cfg.AdminKey))
	if h.Limiter != nil {
		r.Use(middleware.SlowDown(h.Limiter, policies, cfg.RateLimit.SlowDownAfter))
		r.Use(middleware.RateLimit(h.Limiter, policies, h.Metrics))
	}
	r.Use(middleware.Abuse(h.Abuse, h.Queue, h.Metrics))
	if h.Queue != nil {
		r.Use(middleware.Traffic(h.Traffic, h.Queue))
	}

	h.RegisterHealth(r)
	r.Route("/api", func(r chi.Router) {
		r.Get("/v1/status", h.Status)
		h.RegisterChatRoutes(r)
		h.RegisterAgentRoutes(r)
		h.RegisterContactRoutes(r)
		r.NotFound(h.notFound)
		r.MethodNotAllowed(h.notFound)
	})
	h.RegisterAdminRoutes(r)

	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	r.Method(http.MethodGet, "/ws", stream.NewHandler(h.Hub, h.Logger, stream.WithMetrics(h.Metrics)))

	if h.Static != nil {
		r.Handle("/*", h.Static)
	} else {
		r.NotFound(h.notFound)
	}
	r.MethodNotAllowed(h.notFound)
	return r
}
