package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// RegisterHealth mounts the liveness and status endpoints.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

type statusResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Version     string         `json:"version"`
	Uptime      float64        `json:"uptime"`
	Environment string         `json:"environment"`
	Metrics     statusMetrics  `json:"metrics"`
	Services    statusServices `json:"services"`
}

type statusMetrics struct {
	Memory   memoryStats  `json:"memory"`
	CPU      cpuStats     `json:"cpu"`
	Requests requestStats `json:"requests"`
}

type memoryStats struct {
	Used  string `json:"used"`
	Total string `json:"total"`
	RSS   string `json:"rss"`
}

type cpuStats struct {
	Load       []string `json:"load,omitempty"`
	Cores      int      `json:"cores"`
	Goroutines int      `json:"goroutines"`
}

type requestStats struct {
	Active int64 `json:"active"`
	Total  int64 `json:"total"`
}

type statusServices struct {
	Redis            string `json:"redis"`
	RedisError       string `json:"redisError,omitempty"`
	Sessions         string `json:"sessions"`
	Websocket        string `json:"websocket"`
	WebsocketClients int    `json:"websocketClients"`
	Email            string `json:"email"`
}

// Status reports an operational snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	active, total := h.Metrics.Requests()

	services := statusServices{
		Sessions:         h.Sessions.Backend(),
		Websocket:        "active",
		WebsocketClients: h.Hub.Count(),
		Email:            "not configured",
	}
	if h.Contact.Configured() {
		services.Email = "configured"
	}
	switch ping := h.Cache.Ping(r.Context()); {
	case ping.OK:
		services.Redis = "connected"
	case ping.Error == "not configured":
		services.Redis = "not configured"
	default:
		services.Redis = "disconnected"
		services.RedisError = ping.Error
	}

	JSON(w, http.StatusOK, statusResponse{
		Status:      "operational",
		Timestamp:   time.Now().UTC(),
		Version:     Version,
		Uptime:      time.Since(h.started).Seconds(),
		Environment: h.Config.Env,
		Metrics: statusMetrics{
			Memory: memoryStats{
				Used:  megabytes(ms.HeapAlloc),
				Total: megabytes(ms.HeapSys),
				RSS:   megabytes(ms.Sys),
			},
			CPU: cpuStats{
				Load:       loadAverage(),
				Cores:      runtime.NumCPU(),
				Goroutines: runtime.NumGoroutine(),
			},
			Requests: requestStats{Active: active, Total: total},
		},
		Services: services,
	})
}

func megabytes(b uint64) string {
	return fmt.Sprintf("%dMB", (b+(1<<19))>>20)
}

// loadAverage returns the 1, 5 and 15 minute load on Linux, nil elsewhere.
func loadAverage() []string {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return nil
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return nil
	}
	return fields[:3]
}
