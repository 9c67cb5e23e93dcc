package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/sandbox"
	"github.com/workspace/session-coordinator/internal/wsconn"
)

// sandboxReadLimit bounds one sandbox frame; event batches can be large.
const sandboxReadLimit = 4 << 20

// handleSandboxWS accepts the link a sandbox dials back on. Commands flow
// down it and events flow up until either side closes. A newer link
// replaces an older one.
func (s *Server) handleSandboxWS(w http.ResponseWriter, r *http.Request) {
	c, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	upgrader := s.createUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Sandbox websocket upgrade failed", "sessionId", c.ID(), "error", err)
		return
	}
	conn := wsconn.New(ws, wsconn.Options{
		ID:           "sandbox-" + uuid.NewString(),
		SendBuffer:   s.config.ConnectionSendBuffer,
		PingInterval: s.config.PingInterval,
		PongTimeout:  s.config.PongTimeout,
		ReadLimit:    sandboxReadLimit,
	})
	defer func() {
		conn.Abort()
		<-conn.Done()
	}()
	link := sandbox.NewLink(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.AttachSandbox(ctx, link); err != nil {
		reason := "sandbox rejected"
		if pe, ok := protocol.AsError(err); ok {
			reason = pe.Code
		}
		slog.Warn("Sandbox link refused", "sessionId", c.ID(), "error", err)
		conn.Close(websocket.ClosePolicyViolation, reason)
		<-conn.Done()
		return
	}
	defer c.DetachSandbox(link)

	slog.Info("Sandbox link connected", "sessionId", c.ID(), "connId", conn.ID)
	err = link.Run(func(e protocol.SandboxEvent) {
		if err := c.Ingest(ctx, e); err != nil {
			slog.Warn("Sandbox event rejected", "sessionId", c.ID(), "type", e.Type, "error", err)
		}
	})
	if err != nil && !wsconn.IsNormalClose(err) {
		slog.Warn("Sandbox link lost", "sessionId", c.ID(), "connId", conn.ID, "error", err)
		return
	}
	slog.Info("Sandbox link closed", "sessionId", c.ID(), "connId", conn.ID)
}
