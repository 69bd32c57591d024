package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/nudge/internal/dispatch"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthStats are the live counters reported by /health.
type HealthStats interface {
	Armed() int
}

type HealthHandler struct {
	db      Pinger
	engine  HealthStats
	stats   func() dispatch.Stats
	clients func() int
	started time.Time
	logger  *slog.Logger
}

func NewHealthHandler(db Pinger, engine HealthStats, stats func() dispatch.Stats, clients func() int, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		engine:  engine,
		stats:   stats,
		clients: clients,
		started: time.Now(),
		logger:  logger,
	}
}

type healthResponse struct {
	Status     string         `json:"status"`
	Uptime     string         `json:"uptime"`
	Armed      int            `json:"armed"`
	Deliveries dispatch.Stats `json:"deliveries"`
	Clients    int            `json:"clients"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
		Armed:  h.engine.Armed(),
	}
	if h.stats != nil {
		resp.Deliveries = h.stats()
	}
	if h.clients != nil {
		resp.Clients = h.clients()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("health check: database unreachable", "error", err)
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
