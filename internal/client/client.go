package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/session-coordinator/internal/protocol"
)

// DefaultPingInterval is how often the client sends an application ping.
const DefaultPingInterval = 30 * time.Second

var (
	// ErrConnectionLost is returned by Run once reconnect attempts are
	// exhausted.
	ErrConnectionLost = errors.New("connection lost")
	// ErrSessionExpired is returned by Run when the server closed the
	// connection because the session can no longer be joined.
	ErrSessionExpired = errors.New("session expired")
	// ErrNotConnected is returned by the send methods while no connection is
	// open.
	ErrNotConnected = errors.New("not connected")
)

// State is the connection state shown to the user.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateSubscribed     State = "subscribed"
	StateReconnecting   State = "reconnecting"
	StateAuthRequired   State = "auth_required"
	StateSessionExpired State = "session_expired"
	StateConnectionLost State = "connection_lost"
	StateClosed         State = "closed"
)

// TokenSource fetches a fresh admission token. Tokens are single-use, so it
// is called before every connection attempt.
type TokenSource func(ctx context.Context) (string, error)

// Config configures a Client.
type Config struct {
	// BaseURL is the coordinator's http(s) or ws(s) base URL.
	BaseURL      string
	SessionID    string
	Tokens       TokenSource
	ClientID     string
	Backoff      Backoff
	PingInterval time.Duration
	Dialer       *websocket.Dialer
	// OnState is called on every state change, from the Run goroutine.
	OnState func(State)
}

// Client keeps one subscription to a session alive across disconnects.
type Client struct {
	cfg  Config
	msgs chan protocol.Incoming

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	warmed bool
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.SessionID == "" {
		return nil, fmt.Errorf("base URL and session ID are required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("a token source is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:   cfg,
		msgs:  make(chan protocol.Incoming, 64),
		state: StateIdle,
	}, nil
}

// Messages delivers every decoded server frame. It is closed when Run
// returns.
func (c *Client) Messages() <-chan protocol.Incoming {
	return c.msgs
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// SessionURL returns the websocket URL of the session endpoint.
func SessionURL(base, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	u.Path += "/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

// Run connects and reconnects until ctx is cancelled, the server closes
// normally, the session expires or the reconnect attempts run out.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.msgs)
	wsURL, err := SessionURL(c.cfg.BaseURL, c.cfg.SessionID)
	if err != nil {
		return err
	}

	attempt := 0
	for {
		subscribed, err := c.connect(ctx, wsURL)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}
		if subscribed {
			attempt = 0
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			switch closeErr.Code {
			case websocket.CloseNormalClosure:
				c.setState(StateClosed)
				return nil
			case protocol.CloseSessionExpired:
				c.setState(StateSessionExpired)
				return ErrSessionExpired
			case protocol.CloseAuthRequired:
				// The next attempt fetches a fresh token.
				c.setState(StateAuthRequired)
			}
		}

		if attempt >= c.cfg.Backoff.MaxAttempts {
			slog.Error("Reconnection failed", "sessionId", c.cfg.SessionID, "attempts", attempt, "error", err)
			c.setState(StateConnectionLost)
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		delay := c.cfg.Backoff.Delay(attempt)
		attempt++
		slog.Info("Reconnecting", "sessionId", c.cfg.SessionID, "attempt", attempt, "delay", delay, "error", err)
		c.setState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateClosed)
			return nil
		case <-timer.C:
		}
	}
}

// connect runs one connection to completion. subscribed reports whether the
// server admitted it.
func (c *Client) connect(ctx context.Context, wsURL string) (subscribed bool, err error) {
	c.setState(StateConnecting)
	token, err := c.cfg.Tokens(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch admission token: %w", err)
	}

	conn, _, err := c.cfg.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := c.send(protocol.ClientMessage{Type: protocol.MsgSubscribe, Token: token, ClientID: c.cfg.ClientID}); err != nil {
		return false, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Unblocks ReadMessage below.
				conn.Close()
				return
			case <-ticker.C:
				if err := c.send(protocol.ClientMessage{Type: protocol.MsgPing}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return subscribed, err
		}
		in, err := protocol.DecodeServerMessage(data)
		if err != nil {
			slog.Warn("Dropping malformed server frame", "error", err)
			continue
		}
		if in.Type == protocol.MsgSubscribed {
			subscribed = true
			c.setState(StateSubscribed)
			c.warmOnce()
		}
		select {
		case c.msgs <- in:
		case <-ctx.Done():
			return subscribed, ctx.Err()
		}
	}
}

// warmOnce sends a single typing message after the first admission so the
// sandbox starts warming before the user submits anything.
func (c *Client) warmOnce() {
	c.mu.Lock()
	if c.warmed {
		c.mu.Unlock()
		return
	}
	c.warmed = true
	c.mu.Unlock()
	if err := c.Typing(); err != nil {
		slog.Debug("Warm-up typing not sent", "error", err)
	}
}

func (c *Client) send(msg protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// The lock serializes writers, which gorilla/websocket requires.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Prompt submits a prompt. correlationID is echoed on the resulting
// user_message so a local echo can be replaced.
func (c *Client) Prompt(content, model, correlationID string) error {
	return c.send(protocol.ClientMessage{Type: protocol.MsgPrompt, Content: content, Model: model, CorrelationID: correlationID})
}

// Stop asks the session to stop the running prompt.
func (c *Client) Stop() error {
	return c.send(protocol.ClientMessage{Type: protocol.MsgStop})
}

// Typing reports user activity.
func (c *Client) Typing() error {
	return c.send(protocol.ClientMessage{Type: protocol.MsgTyping})
}

// Answer answers an open question.
func (c *Client) Answer(requestID string, answers [][]string) error {
	return c.send(protocol.ClientMessage{Type: protocol.MsgQuestionAnswer, RequestID: requestID, Answers: answers})
}
