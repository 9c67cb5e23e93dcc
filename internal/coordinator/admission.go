package coordinator

import (
	"context"

	"github.com/google/uuid"

	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/logging"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/sandbox"
)

// Admit validates an admission token and registers peer as a new connection.
// The new connection alone receives the session snapshot, the stored events,
// the artifacts and the presence list, followed by history_complete. Every
// admission is independent: a reconnecting client gets the full history again.
//
// History is captured under the session lock but delivered outside it, so a
// slow reader only delays itself. Broadcasts that happen meanwhile are held
// on the handle and delivered right after history_complete.
func (c *Coordinator) Admit(ctx context.Context, token, clientID string, peer Peer) (*Handle, error) {
	claims, err := c.deps.Auth.Validate(token, c.id)
	if err != nil {
		c.log.Info("Admission rejected", "token", logging.RedactToken(token), "reason", err)
		return nil, protocol.NewAuthError(protocol.CodeAuthRequired, "authentication required")
	}

	h, history, err := c.register(ctx, claims, clientID, peer)
	if err != nil {
		return nil, err
	}

	for i, data := range history {
		if err := peer.SendWithTimeout(data, c.cfg.ReplayTimeout); err != nil {
			c.log.Warn("Replay aborted", "connId", h.ConnID, "delivered", i, "total", len(history))
			c.abortAdmission(h)
			return nil, protocol.NewDeliveryError("history replay failed", err)
		}
	}

	return c.finishAdmission(h)
}

// register adds the connection in replaying mode and captures its history.
func (c *Coordinator) register(ctx context.Context, claims *auth.AdmissionClaims, clientID string, peer Peer) (*Handle, [][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, ErrClosed
	}
	if c.meta.Status == protocol.SessionArchived {
		return nil, nil, protocol.NewAuthError(protocol.CodeSessionExpired, "session is archived")
	}

	now := c.deps.Now()
	h := &Handle{
		ConnID:   uuid.NewString(),
		ClientID: clientID,
		Participant: protocol.Participant{
			ParticipantID: uuid.NewString(),
			UserID:        claims.UserID(),
			Name:          claims.Name,
			Avatar:        claims.Avatar,
			Status:        protocol.ParticipantActive,
			LastSeen:      protocol.Timestamp(now),
		},
		peer:      peer,
		replaying: true,
	}
	if h.Participant.Name == "" {
		h.Participant.Name = h.Participant.UserID
	}

	c.tracker.Join(h.Participant)
	history, err := c.historyLocked(ctx, h)
	if err != nil {
		c.tracker.Leave(h.ParticipantID())
		return nil, nil, err
	}
	c.conns = append(c.conns, h)
	c.touchLocked()
	return h, history, nil
}

// historyLocked encodes everything a new connection sees before live traffic.
func (c *Coordinator) historyLocked(ctx context.Context, h *Handle) ([][]byte, error) {
	events, err := c.deps.Store.Replay(ctx, c.id)
	if err != nil {
		return nil, err
	}
	artifacts, err := c.deps.Store.ListArtifacts(ctx, c.id)
	if err != nil {
		return nil, err
	}

	msgs := make([]protocol.ServerMessage, 0, len(events)+len(artifacts)+3)
	msgs = append(msgs, protocol.Subscribed(c.snapshotLocked(), h.Participant))
	for _, e := range events {
		msgs = append(msgs, protocol.SandboxEventMessage(e))
	}
	for _, a := range artifacts {
		msgs = append(msgs, protocol.ArtifactCreated(a))
	}
	msgs = append(msgs, protocol.PresenceSync(c.tracker.Visible()), protocol.HistoryComplete())

	out := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		data, err := protocol.Encode(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (c *Coordinator) abortAdmission(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removeConnLocked(h) {
		c.tracker.Leave(h.ParticipantID())
	}
	h.peer.Abort()
}

// finishAdmission flushes what was broadcast during replay and switches the
// connection to live delivery.
func (c *Coordinator) finishAdmission(h *Handle) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.indexLocked(h) < 0 {
		return nil, protocol.NewDeliveryError("connection dropped during replay", errReplayBacklogFull)
	}

	held := h.held
	h.held = nil
	h.replaying = false
	for _, data := range held {
		if err := h.peer.Send(data); err != nil {
			c.dropLocked(h, protocol.NewDeliveryError("flush to "+h.ConnID+" failed", err))
			return nil, protocol.NewDeliveryError("history replay failed", err)
		}
	}

	c.log.Info("Connection admitted",
		"connId", h.ConnID, "participantId", h.ParticipantID(), "userId", h.Participant.UserID,
		"clientId", h.ClientID, "connections", len(c.conns), "held", len(held))

	c.broadcastLocked(protocol.PresenceUpdate(c.tracker.Visible()), h)
	if !c.cfg.WarmOnTyping && c.sandbox.Status() == sandbox.StatusPending {
		c.provisionLocked()
	}
	return h, nil
}

// Disconnect removes a connection. It is idempotent.
func (c *Coordinator) Disconnect(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.removeConnLocked(h) {
		return
	}
	c.touchLocked()
	c.log.Info("Connection closed", "connId", h.ConnID, "participantId", h.ParticipantID(), "connections", len(c.conns))
	c.leaveLocked(h)
}

// leaveLocked updates presence after h is gone. When the user's last
// connection closes, the departure is announced once the grace period
// elapses (onUserLeft) or immediately when grace is disabled.
func (c *Coordinator) leaveLocked(h *Handle) {
	userID, last := c.tracker.Leave(h.ParticipantID())
	if userID == "" {
		return
	}
	switch {
	case !last:
		c.broadcastLocked(protocol.PresenceUpdate(c.tracker.Visible()), nil)
	case c.cfg.Presence.GracePeriod < 0:
		c.broadcastLocked(protocol.PresenceLeave(userID), nil)
	}
}

func (c *Coordinator) onUserLeft(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.log.Info("Participant left", "userId", userID)
	c.broadcastLocked(protocol.PresenceLeave(userID), nil)
}

// Heartbeat records liveness for the connection and answers with a pong.
func (c *Coordinator) Heartbeat(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexLocked(h) < 0 {
		return
	}
	now := c.deps.Now()
	c.tracker.Touch(h.ParticipantID(), now)
	c.sendLocked(h, protocol.Pong(protocol.Timestamp(now)))
}

// Typing marks the participant active. With WarmOnTyping, typing while the
// sandbox is still pending starts provisioning so it is warm by the first
// prompt. Without it, provisioning starts on admission instead.
func (c *Coordinator) Typing(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexLocked(h) < 0 {
		return
	}
	c.touchLocked()
	if c.tracker.Touch(h.ParticipantID(), c.deps.Now()) {
		c.broadcastLocked(protocol.PresenceUpdate(c.tracker.Visible()), nil)
	}
	if c.cfg.WarmOnTyping && c.sandbox.Status() == sandbox.StatusPending {
		c.provisionLocked()
	}
}
