package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/copybot/internal/registry"
)

const checkTimeout = 2 * time.Second

// SnapshotSource exposes the roster currently being served.
type SnapshotSource interface {
	Current() *registry.Snapshot
}

// Check probes one backend.
type Check func(ctx context.Context) error

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	registry  SnapshotSource
	checks    map[string]Check
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks may be nil.
func NewHealthHandler(reg SnapshotSource, checks map[string]Check, mode string, startedAt time.Time, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		registry:  reg,
		checks:    checks,
		mode:      mode,
		startedAt: startedAt,
		logger:    logHandler(logger, "health"),
	}
}

// HealthCheck reports the process as alive along with the roster version
// and the state of each backend. A failing backend turns the answer into 503.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	backends := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			h.logger.Warn("backend check failed", slog.String("backend", name), slog.String("error", err.Error()))
			backends[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		backends[name] = "ok"
	}

	body := map[string]any{
		"status":         status,
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"backends":       backends,
	}
	if h.registry != nil {
		if snap := h.registry.Current(); snap != nil {
			body["registry_version"] = snap.Version()
		}
	}
	writeJSON(w, code, body)
}
