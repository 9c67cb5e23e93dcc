package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/sandbox"
)

// handleMintToken issues a single-use admission token for one user and
// session. The caller has already authorized the user.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	if s.issuer == nil {
		writeError(w, http.StatusServiceUnavailable, "admission tokens are issued externally")
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("sessionId"))

	var body struct {
		UserID string `json:"userId"`
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	token, expiresAt, err := s.issuer.Mint(sessionID, auth.Identity{
		UserID: body.UserID,
		Name:   body.Name,
		Avatar: body.Avatar,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title     string `json:"title"`
		RepoOwner string `json:"repoOwner"`
		RepoName  string `json:"repoName"`
		Branch    string `json:"branch"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	c, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	c.UpdateMetadata(r.Context(), body.Title, body.RepoOwner, body.RepoName, body.Branch)
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// handleSandboxStatus records a lifecycle report from the provisioner.
func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	c, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	if err := c.UpdateSandboxStatus(r.Context(), body.Status, body.Error); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// handleSandboxEvents ingests a single event or an {"events":[...]} batch
// posted by a sandbox without a websocket link. A batch with any invalid
// event is rejected before anything is stored.
func (s *Server) handleSandboxEvents(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	events, err := sandbox.DecodeEvents(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A batch is all-or-nothing at validation time so a retried batch does
	// not store its valid prefix twice.
	for i, e := range events {
		if err := e.Validate(); err != nil {
			pe, _ := protocol.AsError(err)
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d: %s", i, pe.Message))
			return
		}
	}
	c, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	accepted := 0
	for _, e := range events {
		if err := c.Ingest(r.Context(), e); err != nil {
			slog.Warn("Sandbox event rejected", "sessionId", c.ID(), "type", e.Type, "error", err)
			writeCoordinatorError(w, err)
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

func (s *Server) handleSandboxPorts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ports map[string]string `json:"ports"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	c, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	if err := c.UpdatePorts(r.Context(), body.Ports); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// handleRetry returns a failed or stopped sandbox to pending.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	c, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	if err := c.Retry(r.Context()); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	c, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	if err := c.Archive(r.Context()); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}
