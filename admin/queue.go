package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/labeler/store"
	"github.com/rs/zerolog/log"
)

const errKindInvalidRequest = "InvalidRequest"

func (h *AdminHandlers) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.QueueStats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read queue stats")
		WriteError(w, http.StatusInternalServerError, "InternalError", "failed to read queue stats")
		return
	}
	writeJSONResponse(w, stats, false)
}

func (h *AdminHandlers) handleListDead(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, errKindInvalidRequest, err.Error())
		return
	}

	// Fetch one extra row to report has_more
	items, err := h.queue.ListDead(r.Context(), limit+1)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list dead letters")
		WriteError(w, http.StatusInternalServerError, "InternalError", "failed to list dead letters")
		return
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	if items == nil {
		items = []store.DeadItem{}
	}
	writeJSONResponse(w, items, hasMore)
}

func (h *AdminHandlers) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		WriteError(w, http.StatusBadRequest, errKindInvalidRequest, "invalid dead letter ID")
		return
	}

	if err := h.queue.RequeueDead(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "NotFound", "dead letter not found")
			return
		}
		log.Error().Err(err).Int64("id", id).Msg("Failed to requeue dead letter")
		WriteError(w, http.StatusInternalServerError, "InternalError", "failed to requeue dead letter")
		return
	}

	writeJSONResponse(w, map[string]int64{"requeued": id}, false)
}
