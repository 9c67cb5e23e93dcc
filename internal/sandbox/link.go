package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/wsconn"
)

// CommandType discriminates commands sent to the sandbox.
type CommandType string

const (
	CommandPrompt         CommandType = "prompt"
	CommandStop           CommandType = "stop"
	CommandQuestionAnswer CommandType = "question_answer"
)

// Command is one instruction for the agent running in the sandbox.
type Command struct {
	Type      CommandType      `json:"type"`
	MessageID string           `json:"messageId,omitempty"`
	Content   string           `json:"content,omitempty"`
	Model     string           `json:"model,omitempty"`
	Author    *protocol.Author `json:"author,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	Answers   [][]string       `json:"answers,omitempty"`
}

// Commander delivers commands to the sandbox. Send must not block.
type Commander interface {
	Send(cmd Command) error
}

// ErrLinkUnavailable is returned when no sandbox link can take a command.
var ErrLinkUnavailable = errors.New("sandbox link unavailable")

// Link is the websocket the sandbox dials back on. Commands flow down it and
// sandbox events flow up.
type Link struct {
	conn *wsconn.Conn
}

// NewLink wraps an accepted sandbox websocket.
func NewLink(conn *wsconn.Conn) *Link {
	return &Link{conn: conn}
}

// Send implements Commander. A full buffer fails the send; the coordinator
// then holds the prompt until the sandbox reconnects.
func (l *Link) Send(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", cmd.Type, err)
	}
	if err := l.conn.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}
	return nil
}

// Run reads events until the link drops. Frames that are not a valid event,
// or a batch of events under "events", are logged and skipped.
func (l *Link) Run(handle func(protocol.SandboxEvent)) error {
	return l.conn.ReadLoop(func(data []byte) {
		events, err := DecodeEvents(data)
		if err != nil {
			slog.Warn("Dropping malformed sandbox frame", "connId", l.conn.ID, "error", err)
			return
		}
		for _, e := range events {
			handle(e)
		}
	})
}

// Close closes the link.
func (l *Link) Close() {
	l.conn.Close(0, "")
}

// Done is closed when the link's socket is gone.
func (l *Link) Done() <-chan struct{} {
	return l.conn.Done()
}

// DecodeEvents accepts either a single event object or {"events":[...]}.
func DecodeEvents(data []byte) ([]protocol.SandboxEvent, error) {
	var batch struct {
		Type   protocol.EventType      `json:"type"`
		Events []protocol.SandboxEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decode sandbox frame: %w", err)
	}
	if batch.Type == "" {
		if batch.Events == nil {
			return nil, errors.New("sandbox frame has neither type nor events")
		}
		for i, e := range batch.Events {
			if e.Type == "" {
				return nil, fmt.Errorf("sandbox event %d has no type", i)
			}
		}
		return batch.Events, nil
	}
	var e protocol.SandboxEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode sandbox event: %w", err)
	}
	return []protocol.SandboxEvent{e}, nil
}
