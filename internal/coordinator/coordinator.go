// Package coordinator owns the live state of one session: its connections,
// presence, event stream, prompt queue and sandbox lifecycle. Every mutation
// of a session runs under that session's single lock, so the coordinator
// behaves as one logical thread of control however many connections feed it.
//
// Lock order is Coordinator.mu first, then the locks internal to the
// aggregator, tracker, queue and controller. Timer callbacks from the
// aggregator and tracker are invoked without their own locks held and take
// Coordinator.mu themselves.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/session-coordinator/internal/aggregator"
	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/eventlog"
	"github.com/workspace/session-coordinator/internal/notify"
	"github.com/workspace/session-coordinator/internal/presence"
	"github.com/workspace/session-coordinator/internal/promptqueue"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/sandbox"
)

// DefaultReplayTimeout bounds how long admission waits on a slow client while
// replaying history.
const DefaultReplayTimeout = 5 * time.Second

// maxHeldFrames caps the live frames held for a connection still receiving
// its history.
const maxHeldFrames = 1024

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("coordinator closed")

var errReplayBacklogFull = errors.New("too many frames held during replay")

// Peer is the send side of one client connection. *wsconn.Conn implements
// it; sends must never block the coordinator.
type Peer interface {
	Send(data []byte) error
	SendWithTimeout(data []byte, timeout time.Duration) error
	Close(code int, reason string)
	Abort()
}

// Store is the persistence the coordinator needs. *eventlog.Store
// implements it.
type Store interface {
	Append(ctx context.Context, sessionID string, e protocol.SandboxEvent) (eventlog.Appended, error)
	Replay(ctx context.Context, sessionID string) ([]protocol.SandboxEvent, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	UpsertArtifact(ctx context.Context, sessionID string, a protocol.Artifact) (protocol.Artifact, bool, error)
	ListArtifacts(ctx context.Context, sessionID string) ([]protocol.Artifact, error)
	SaveSession(ctx context.Context, rec eventlog.SessionRecord) error
	LoadSession(ctx context.Context, id string) (*eventlog.SessionRecord, error)
}

// Authenticator validates admission tokens. *auth.Validator implements it.
type Authenticator interface {
	Validate(token, sessionID string) (*auth.AdmissionClaims, error)
}

// Notifier receives completion notifications. *notify.Notifier implements it
// and is nil-safe.
type Notifier interface {
	Enqueue(c notify.Completion) error
}

// Config holds per-session tunables.
type Config struct {
	Aggregator    aggregator.Config
	Presence      presence.Config
	DefaultModel  string
	ReplayTimeout time.Duration
	// ProvisionTimeout bounds one warm+create round against the provisioner.
	ProvisionTimeout time.Duration
	// WarmOnTyping starts provisioning when a participant first types.
	// Otherwise the first admission starts it.
	WarmOnTyping bool
}

// Deps are the collaborators shared by every coordinator.
type Deps struct {
	Store       Store
	Auth        Authenticator
	Notifier    Notifier
	Provisioner sandbox.Provisioner
	Logger      *slog.Logger
	Now         func() time.Time
}

// Handle is an admitted connection.
type Handle struct {
	ConnID      string
	ClientID    string
	Participant protocol.Participant

	peer Peer
	// replaying and held are guarded by the coordinator's lock.
	replaying bool
	held      [][]byte
}

// ParticipantID returns the participant the handle was admitted as.
func (h *Handle) ParticipantID() string {
	return h.Participant.ParticipantID
}

// Coordinator is the actor for one session.
type Coordinator struct {
	id   string
	cfg  Config
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	agg     *aggregator.Aggregator
	tracker *presence.Tracker
	queue   *promptqueue.Queue
	sandbox *sandbox.Controller

	mu           sync.Mutex
	meta         eventlog.SessionRecord
	conns        []*Handle
	link         sandbox.Commander
	questions    map[string]*protocol.QuestionRequest
	messageCount int
	provisioning bool
	lastActivity time.Time
	closed       bool
}

// New restores the coordinator for sessionID from the store, creating the
// session record on first use.
func New(ctx context.Context, sessionID string, cfg Config, deps Deps) (*Coordinator, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	if deps.Store == nil || deps.Auth == nil {
		return nil, fmt.Errorf("coordinator requires a store and an authenticator")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = protocol.DefaultModel
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = DefaultReplayTimeout
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 2 * time.Minute
	}

	rec, err := deps.Store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	now := deps.Now()
	if rec == nil {
		rec = &eventlog.SessionRecord{
			ID:            sessionID,
			Status:        protocol.SessionActive,
			SandboxStatus: string(sandbox.StatusPending),
			Model:         cfg.DefaultModel,
			CreatedAt:     protocol.Timestamp(now),
		}
		if err := deps.Store.SaveSession(ctx, *rec); err != nil {
			return nil, fmt.Errorf("create session %s: %w", sessionID, err)
		}
	}

	// Nothing is executing in a freshly constructed coordinator.
	status := sandbox.Status(rec.SandboxStatus)
	if status == sandbox.StatusRunning {
		status = sandbox.StatusReady
	}
	if _, err := sandbox.ParseStatus(string(status)); err != nil {
		status = sandbox.StatusPending
	}

	count, err := deps.Store.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	events, err := deps.Store.Replay(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("replay session %s: %w", sessionID, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:           sessionID,
		cfg:          cfg,
		deps:         deps,
		log:          deps.Logger.With("sessionId", sessionID),
		ctx:          cctx,
		cancel:       cancel,
		agg:          aggregator.New(cfg.Aggregator),
		tracker:      presence.NewTracker(cfg.Presence),
		queue:        promptqueue.New(),
		sandbox:      sandbox.NewController(status, rec.ActivePorts, rec.TunnelURLs),
		meta:         *rec,
		questions:    make(map[string]*protocol.QuestionRequest),
		messageCount: count,
		lastActivity: now,
	}
	for _, e := range events {
		c.trackQuestionLocked(e)
	}
	c.agg.OnIdle = c.onAggregatorIdle
	c.tracker.OnUserLeft = c.onUserLeft
	return c, nil
}

// ID returns the session id.
func (c *Coordinator) ID() string {
	return c.id
}

// Snapshot returns the current session state as sent in "subscribed".
func (c *Coordinator) Snapshot() protocol.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() protocol.SessionState {
	return protocol.SessionState{
		ID:            c.id,
		Title:         c.meta.Title,
		RepoOwner:     c.meta.RepoOwner,
		RepoName:      c.meta.RepoName,
		BranchName:    c.meta.BranchName,
		Status:        c.meta.Status,
		SandboxStatus: string(c.sandbox.Status()),
		MessageCount:  c.messageCount,
		CreatedAt:     c.meta.CreatedAt,
		Model:         c.meta.Model,
		IsProcessing:  c.isProcessingLocked(),
		ActivePorts:   c.sandbox.ActivePorts(),
		TunnelURLs:    c.sandbox.TunnelURLs(),
	}
}

// ConnectionCount returns the number of admitted connections.
func (c *Coordinator) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Participants returns the visible presence list.
func (c *Coordinator) Participants() []protocol.Participant {
	return c.tracker.Visible()
}

// UpdateMetadata replaces the descriptive fields kept by durable metadata
// storage outside this core.
func (c *Coordinator) UpdateMetadata(ctx context.Context, title, repoOwner, repoName, branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta.Title = title
	c.meta.RepoOwner = repoOwner
	c.meta.RepoName = repoName
	c.meta.BranchName = branch
	c.touchLocked()
	c.persistLocked(ctx)
}

// Idle reports whether the coordinator has had no connections and nothing
// executing for at least ttl.
func (c *Coordinator) Idle(now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns) == 0 && !c.queue.Busy() && !c.provisioning && now.Sub(c.lastActivity) >= ttl
}

// SweepPresence demotes inactive participants and broadcasts the result when
// anything changed.
func (c *Coordinator) SweepPresence(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.tracker.Sweep(now) {
		c.broadcastLocked(protocol.PresenceUpdate(c.tracker.Visible()), nil)
	}
}

// Close flushes buffered output, persists the session and closes every
// connection with a going-away code.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.flushTokensLocked(ctx)
	c.closed = true
	c.cancel()
	c.agg.Stop()
	c.tracker.Close()
	for _, h := range c.conns {
		h.peer.Close(protocol.CloseGoingAway, "session closed")
	}
	c.conns = nil
	c.link = nil
	c.persistLocked(ctx)
	c.log.Info("Coordinator closed")
	return nil
}

func (c *Coordinator) isProcessingLocked() bool {
	a := c.queue.Active()
	return a != nil && a.Dispatched
}

func (c *Coordinator) touchLocked() {
	c.lastActivity = c.deps.Now()
}

func (c *Coordinator) persistLocked(ctx context.Context) {
	rec := c.meta
	rec.SandboxStatus = string(c.sandbox.Status())
	rec.ActivePorts = c.sandbox.ActivePorts()
	rec.TunnelURLs = c.sandbox.TunnelURLs()
	if err := c.deps.Store.SaveSession(ctx, rec); err != nil {
		c.log.Error("Failed to persist session state", "error", err)
	}
}

// broadcastLocked sends msg to every connection except one, in admission
// order. A connection whose buffer is full is dropped; the others are
// unaffected.
func (c *Coordinator) broadcastLocked(msg protocol.ServerMessage, except *Handle) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("Failed to encode broadcast", "type", msg.Type, "error", err)
		return
	}

	var failed []*Handle
	var errs []error
	for _, h := range c.conns {
		if h == except {
			continue
		}
		if err := c.deliverLocked(h, data); err != nil {
			failed = append(failed, h)
			errs = append(errs, err)
		}
	}
	for i, h := range failed {
		c.dropLocked(h, protocol.NewDeliveryError("broadcast to "+h.ConnID+" failed", errs[i]))
	}
}

// sendLocked delivers a direct reply to one connection. Replies share the
// connection's ordered stream, so a full buffer drops the connection like a
// failed broadcast does.
func (c *Coordinator) sendLocked(h *Handle, msg protocol.ServerMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("Failed to encode reply", "type", msg.Type, "error", err)
		return
	}
	if err := c.deliverLocked(h, data); err != nil {
		c.dropLocked(h, protocol.NewDeliveryError("reply to "+h.ConnID+" failed", err))
	}
}

// deliverLocked queues data on h without blocking. Frames for a connection
// still receiving its history are held until the history is through.
func (c *Coordinator) deliverLocked(h *Handle, data []byte) error {
	if h.replaying {
		if len(h.held) >= maxHeldFrames {
			return errReplayBacklogFull
		}
		h.held = append(h.held, data)
		return nil
	}
	return h.peer.Send(data)
}

// Reply sends a direct message to one admitted connection, typically an
// error reply produced by the transport.
func (c *Coordinator) Reply(h *Handle, msg protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexLocked(h) < 0 {
		return
	}
	c.sendLocked(h, msg)
}

func (c *Coordinator) indexLocked(h *Handle) int {
	for i, other := range c.conns {
		if other == h {
			return i
		}
	}
	return -1
}

func (c *Coordinator) removeConnLocked(h *Handle) bool {
	i := c.indexLocked(h)
	if i < 0 {
		return false
	}
	c.conns = append(c.conns[:i], c.conns[i+1:]...)
	return true
}

// dropLocked tears down a connection that failed delivery and removes it
// from presence.
func (c *Coordinator) dropLocked(h *Handle, err error) {
	if !c.removeConnLocked(h) {
		return
	}
	c.log.Warn("Dropping connection", "connId", h.ConnID, "participantId", h.ParticipantID(), "error", err)
	h.peer.Abort()
	c.leaveLocked(h)
}
