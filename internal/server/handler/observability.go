package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/trader"
)

// HealthReporter lists per-source adapter health.
type HealthReporter interface {
	Health() []domain.SourceHealth
}

// ObservabilityHandler serves the read-only views of pipeline state.
type ObservabilityHandler struct {
	metrics  *metrics.Registry
	book     *trader.Book
	registry SnapshotSource
	sources  HealthReporter
	logger   *slog.Logger
}

// NewObservabilityHandler creates an ObservabilityHandler.
func NewObservabilityHandler(m *metrics.Registry, book *trader.Book, reg SnapshotSource, sources HealthReporter, logger *slog.Logger) *ObservabilityHandler {
	return &ObservabilityHandler{
		metrics:  m,
		book:     book,
		registry: reg,
		sources:  sources,
		logger:   logHandler(logger, "observability"),
	}
}

// Metrics returns every counter and gauge.
// GET /api/metrics
func (h *ObservabilityHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// ListTraders returns the trader book, optionally filtered by ?status=.
// GET /api/traders
func (h *ObservabilityHandler) ListTraders(w http.ResponseWriter, r *http.Request) {
	status := domain.TraderStatus(r.URL.Query().Get("status"))
	all := h.book.All()
	out := make([]trader.Snapshot, 0, len(all))
	for _, s := range all {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"traders": out,
		"counts":  h.book.CountByStatus(),
	})
}

// GetTrader returns one trader's state joined with its roster entry.
// GET /api/traders/{address}
func (h *ObservabilityHandler) GetTrader(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body := map[string]any{}
	state, tracked := h.book.Get(addr)
	if tracked {
		body["state"] = state
	}
	if entry, ok := h.registry.Current().Lookup(addr); ok {
		body["roster"] = entry
	} else if !tracked {
		writeError(w, http.StatusNotFound, "trader not found")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// Registry returns the roster snapshot currently being served.
// GET /api/registry
func (h *ObservabilityHandler) Registry(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   snap.Version(),
		"digest":    snap.Digest(),
		"loaded_at": snap.LoadedAt(),
		"active":    len(snap.Active()),
		"entries":   snap.Entries(),
	})
}

// Sources returns the health of every event source.
// GET /api/sources
func (h *ObservabilityHandler) Sources(w http.ResponseWriter, r *http.Request) {
	if h.sources == nil {
		writeJSON(w, http.StatusOK, []domain.SourceHealth{})
		return
	}
	writeJSON(w, http.StatusOK, h.sources.Health())
}

// statusFor maps a store or dispatcher error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
