package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/labeler/store"
	"github.com/rs/zerolog/log"
)

// QueueAdmin is the queue administration surface of the label store
type QueueAdmin interface {
	QueueStats(ctx context.Context) (store.QueueStats, error)
	ListDead(ctx context.Context, limit int) ([]store.DeadItem, error)
	RequeueDead(ctx context.Context, id int64) error
}

// AdminHandlers handles admin API endpoints for the outbound queue
type AdminHandlers struct {
	queue QueueAdmin
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(queue QueueAdmin) *AdminHandlers {
	return &AdminHandlers{queue: queue}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool) {
	response := map[string]interface{}{
		"data": data,
	}
	if hasMore {
		response["has_more"] = true
	}
	WriteJSON(w, http.StatusOK, response)
}

// WriteJSON writes v as a JSON body with the given status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// WriteError writes an XRPC style error body {"error": kind, "message": message}
func WriteError(w http.ResponseWriter, status int, kind, message string) {
	WriteJSON(w, status, map[string]string{
		"error":   kind,
		"message": message,
	})
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 100, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1000 {
		return 0, fmt.Errorf("limit cannot exceed 1000")
	}

	return limit, nil
}
