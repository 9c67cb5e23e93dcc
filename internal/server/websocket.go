package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/workspace/session-coordinator/internal/coordinator"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/wsconn"
)

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client.
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	// The subdomain part must not contain "/".
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// handleSessionWS serves one client connection to a session. The first
// message must be subscribe{token, clientId}; until then every other message
// is answered with an error.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("sessionId"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	upgrader := s.createUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Session websocket upgrade failed", "sessionId", sessionID, "error", err)
		return
	}
	conn := wsconn.New(ws, wsconn.Options{
		ID:           uuid.NewString(),
		SendBuffer:   s.config.ConnectionSendBuffer,
		PingInterval: s.config.PingInterval,
		PongTimeout:  s.config.PongTimeout,
	})
	defer func() {
		conn.Abort()
		<-conn.Done()
	}()

	// The request context ends with the hijacked connection's handler, but
	// a session outlives any one request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.awaitSubscribe(ws, conn)
	if err != nil {
		slog.Debug("Connection closed before subscribe", "sessionId", sessionID, "connId", conn.ID, "error", err)
		return
	}

	c, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		slog.Error("Failed to load session", "sessionId", sessionID, "error", err)
		conn.Close(websocket.CloseInternalServerErr, "session unavailable")
		<-conn.Done()
		return
	}

	h, err := c.Admit(ctx, sub.Token, sub.ClientID, conn)
	if err != nil {
		s.rejectConnection(conn, err)
		return
	}
	defer c.Disconnect(h)

	limiter := rate.NewLimiter(rate.Limit(s.config.ConnectionRateLimit), s.config.ConnectionRateBurst)
	err = conn.ReadLoop(func(data []byte) {
		if !limiter.Allow() {
			c.Reply(h, protocol.ErrorMessage(protocol.NewValidationError("rate_limited", "too many messages")))
			return
		}
		s.handleClientMessage(ctx, c, h, data)
	})
	if err != nil && !wsconn.IsNormalClose(err) {
		slog.Debug("Session websocket read ended", "sessionId", sessionID, "connId", conn.ID, "error", err)
	}
}

// awaitSubscribe reads frames until a valid subscribe arrives or the
// subscribe timeout passes.
func (s *Server) awaitSubscribe(ws *websocket.Conn, conn *wsconn.Conn) (protocol.ClientMessage, error) {
	if s.config.SubscribeTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(s.config.SubscribeTimeout))
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return protocol.ClientMessage{}, err
		}
		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			s.replyDirect(conn, protocol.ErrorMessage(err))
			continue
		}
		switch msg.Type {
		case protocol.MsgSubscribe:
			_ = ws.SetReadDeadline(time.Time{})
			return msg, nil
		case protocol.MsgPing:
			s.replyDirect(conn, protocol.Pong(protocol.Timestamp(s.now())))
		default:
			s.replyDirect(conn, protocol.ErrorMessage(protocol.NewConflictError("not_subscribed", "subscribe before sending "+string(msg.Type))))
		}
	}
}

// rejectConnection ends a connection whose admission failed. Auth failures
// carry a reserved close code telling the client how to recover.
func (s *Server) rejectConnection(conn *wsconn.Conn, err error) {
	switch code := protocol.CloseCodeFor(err); {
	case code != 0:
		pe, _ := protocol.AsError(err)
		s.replyDirect(conn, protocol.ErrorMessage(err))
		conn.Close(code, pe.Code)
	case errors.Is(err, coordinator.ErrClosed):
		conn.Close(protocol.CloseGoingAway, "session closed")
	default:
		slog.Warn("Connection admission failed", "connId", conn.ID, "error", err)
		conn.Abort()
	}
	<-conn.Done()
}

func (s *Server) replyDirect(conn *wsconn.Conn, msg protocol.ServerMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("Failed to encode reply", "type", msg.Type, "error", err)
		return
	}
	_ = conn.SendPriority(data)
}

// handleClientMessage routes one message from an admitted connection.
// Failures local to the message are answered on that connection only.
func (s *Server) handleClientMessage(ctx context.Context, c *coordinator.Coordinator, h *coordinator.Handle, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		c.Reply(h, protocol.ErrorMessage(err))
		return
	}

	switch msg.Type {
	case protocol.MsgPrompt:
		_, err = c.SubmitPrompt(ctx, h, msg.Content, msg.Model, msg.CorrelationID)
	case protocol.MsgStop:
		err = c.RequestStop(ctx)
	case protocol.MsgQuestionAnswer:
		if err := c.SubmitQuestionAnswer(ctx, h, msg.RequestID, msg.Answers); err != nil {
			reason := "answer could not be delivered"
			if pe, ok := protocol.AsError(err); ok {
				reason = pe.Message
			}
			c.Reply(h, protocol.QuestionAnswerError(msg.RequestID, reason))
		}
		return
	case protocol.MsgTyping:
		c.Typing(h)
	case protocol.MsgPing:
		c.Heartbeat(h)
	case protocol.MsgSubscribe:
		err = protocol.NewConflictError("already_subscribed", "connection is already subscribed")
	}
	if err != nil {
		if !protocol.IsKind(err, protocol.KindValidation) && !protocol.IsKind(err, protocol.KindConflict) {
			slog.Warn("Client message failed", "sessionId", c.ID(), "connId", h.ConnID, "type", msg.Type, "error", err)
		}
		c.Reply(h, protocol.ErrorMessage(err))
	}
}
