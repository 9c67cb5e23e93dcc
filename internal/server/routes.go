package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/coordinator"
	"github.com/workspace/session-coordinator/internal/protocol"
)

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Client connections authenticate with an admission token in the
	// subscribe message.
	mux.HandleFunc("GET /sessions/{sessionId}/ws", s.handleSessionWS)

	// Everything else is service-to-service and needs an internal token.
	mux.HandleFunc("GET /sessions/{sessionId}/events", s.requireInternalAuth(s.handleListEvents))
	mux.HandleFunc("POST /internal/sessions/{sessionId}/ws-token", s.requireInternalAuth(s.handleMintToken))
	mux.HandleFunc("POST /internal/sessions/{sessionId}/metadata", s.requireInternalAuth(s.handleUpdateMetadata))
	mux.HandleFunc("POST /internal/sessions/{sessionId}/sandbox/status", s.requireInternalAuth(s.handleSandboxStatus))
	mux.HandleFunc("POST /internal/sessions/{sessionId}/sandbox/events", s.requireInternalAuth(s.handleSandboxEvents))
	mux.HandleFunc("POST /internal/sessions/{sessionId}/sandbox/ports", s.requireInternalAuth(s.handleSandboxPorts))
	mux.HandleFunc("GET /internal/sessions/{sessionId}/sandbox/ws", s.requireInternalAuth(s.handleSandboxWS))
	mux.HandleFunc("POST /internal/sessions/{sessionId}/retry", s.requireInternalAuth(s.handleRetry))
	mux.HandleFunc("POST /internal/sessions/{sessionId}/archive", s.requireInternalAuth(s.handleArchive))
}

// requireInternalAuth rejects requests without a valid internal bearer
// token.
func (s *Server) requireInternalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		token := auth.BearerToken(header)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "invalid Authorization header")
			return
		}
		if err := auth.VerifyInternalToken(s.config.InternalSecret, token, s.now(), s.config.InternalTokenMaxAge); err != nil {
			slog.Warn("Internal request rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid internal token")
			return
		}
		next(w, r)
	}
}

// sessionFor resolves the coordinator for the request's session, creating
// it on first use. It writes the error response itself.
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, bool) {
	sessionID := strings.TrimSpace(r.PathValue("sessionId"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return nil, false
	}
	c, err := s.registry.Get(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "sessionId", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return c, true
}

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeCoordinatorError maps a coordinator error to an HTTP status.
func writeCoordinatorError(w http.ResponseWriter, err error) {
	if errors.Is(err, coordinator.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "session is shutting down")
		return
	}
	pe, ok := protocol.AsError(err)
	if !ok {
		slog.Error("Coordinator request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	status := http.StatusInternalServerError
	switch pe.Kind {
	case protocol.KindAuth:
		status = http.StatusUnauthorized
	case protocol.KindValidation:
		status = http.StatusBadRequest
	case protocol.KindConflict:
		status = http.StatusConflict
	case protocol.KindSandbox:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{
		"error":   pe.Code,
		"message": pe.Message,
	})
}
