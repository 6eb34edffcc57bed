package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// HistoryHandler serves what the pipeline persisted: accepted observations,
// emitted actions and the audit log.
type HistoryHandler struct {
	observations domain.ObservationStore
	actions      domain.ActionStore
	audit        domain.AuditStore
	logger       *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler over stores.
func NewHistoryHandler(stores domain.Stores, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		observations: stores.Observations,
		actions:      stores.Actions,
		audit:        stores.Audit,
		logger:       logHandler(logger, "history"),
	}
}

// Observations lists one trader's accepted observations, newest first.
// GET /api/traders/{address}/observations?since=&until=&limit=&offset=
func (h *HistoryHandler) Observations(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	obs, err := h.observations.ListByAddress(r.Context(), addr, opts)
	if err != nil {
		h.logger.Error("list observations failed",
			slog.String("address", addr.Short()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list observations")
		return
	}
	if obs == nil {
		obs = []domain.TradeObservation{}
	}
	writeJSON(w, http.StatusOK, obs)
}

// Actions lists the most recent actions.
// GET /api/actions?limit=
func (h *HistoryHandler) Actions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	acts, err := h.actions.ListRecent(r.Context(), opts.Limit)
	if err != nil {
		h.logger.Error("list actions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list actions")
		return
	}
	if acts == nil {
		acts = []domain.Action{}
	}
	writeJSON(w, http.StatusOK, acts)
}

// GetAction returns one action by id.
// GET /api/actions/{id}
func (h *HistoryHandler) GetAction(w http.ResponseWriter, r *http.Request) {
	a, err := h.actions.GetByID(r.Context(), pathParam(r, "id"))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("get action failed", slog.String("error", err.Error()))
		}
		writeError(w, status, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Audit lists audit entries, newest first.
// GET /api/audit?since=&until=&limit=&offset=
func (h *HistoryHandler) Audit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
