package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/workspace/session-coordinator/internal/eventlog"
)

// handleListEvents pages through a session's stored events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("sessionId"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	q := r.URL.Query()
	page, err := s.store.List(r.Context(), sessionID, eventlog.ListOptions{
		Cursor:    q.Get("cursor"),
		Limit:     parseEventLimit(q.Get("limit")),
		MessageID: q.Get("message_id"),
	})
	if errors.Is(err, eventlog.ErrInvalidCursor) {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	if err != nil {
		slog.Error("Failed to list events", "sessionId", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseEventLimit(raw string) int {
	if raw == "" {
		return 100
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 100
	}
	if parsed > 500 {
		return 500
	}
	return parsed
}
