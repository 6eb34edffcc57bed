package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Replayer re-queues a stored dead letter.
type Replayer interface {
	Replay(ctx context.Context, id int64) error
}

// DeadLetterHandler lists and replays undeliverable actions.
type DeadLetterHandler struct {
	store    domain.DeadLetterStore
	replayer Replayer
	logger   *slog.Logger
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(store domain.DeadLetterStore, replayer Replayer, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{store: store, replayer: replayer, logger: logHandler(logger, "deadletters")}
}

// List returns unresolved dead letters, oldest first.
// GET /api/deadletters
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dls, err := h.store.ListUnresolved(r.Context(), opts.Limit)
	if err != nil {
		h.logger.Error("list dead letters failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if dls == nil {
		dls = []domain.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

// Replay puts one dead letter back on its destination's queue.
// POST /api/deadletters/{id}/replay
func (h *DeadLetterHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}
	if err := h.replayer.Replay(r.Context(), id); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("replay failed", slog.Int64("id", id), slog.String("error", err.Error()))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "requeued"})
}
