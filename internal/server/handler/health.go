package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is a dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint, probing each registered
// dependency.
type HealthHandler struct {
	deps   map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler probing the given dependencies.
// Nil entries are skipped so optional subsystems can be wired conditionally.
func NewHealthHandler(deps map[string]Pinger, logger *slog.Logger) *HealthHandler {
	filtered := make(map[string]Pinger, len(deps))
	for name, p := range deps {
		if p != nil {
			filtered[name] = p
		}
	}
	return &HealthHandler{deps: filtered, logger: logger}
}

// HealthCheck pings every dependency and reports per-dependency status.
// Returns 503 when any dependency is down.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	overall := "ok"
	deps := make(map[string]string, len(h.deps))

	for name, p := range h.deps {
		if err := p.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = "down"
			overall = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	writeJSON(w, status, map[string]any{
		"status":       overall,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
