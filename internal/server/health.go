package server

import (
	"net/http"
)

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions, connections := s.registry.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "healthy",
		"sessions":            sessions,
		"connections":         connections,
		"pendingCompletions":  s.notifier.Pending(),
		"provisioningEnabled": s.config.ProvisionerURL != "",
	})
}
