package eventlog

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/session-coordinator/internal/protocol"
)

// Paging bounds for List.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// ErrInvalidCursor is returned by List for a cursor it did not issue.
var ErrInvalidCursor = errors.New("invalid cursor")

// AppendResult says what Append did with an event.
type AppendResult int

const (
	// Inserted means the event was stored as a new record.
	Inserted AppendResult = iota
	// Merged means the event was folded into an existing record, which kept
	// its sequence position.
	Merged
	// Duplicate means an identical logical event was already stored and the
	// delivery was dropped.
	Duplicate
)

func (r AppendResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Merged:
		return "merged"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Appended is the outcome of Append. Event is the record as stored, which for
// a merge is the merged record rather than the delivery.
type Appended struct {
	Result AppendResult
	Event  protocol.SandboxEvent
	Seq    int64
}

// ListOptions filters and pages List.
type ListOptions struct {
	Cursor    string
	Limit     int
	MessageID string
}

// Page is one page of List results.
type Page struct {
	Events     []protocol.SandboxEvent `json:"events"`
	NextCursor string                  `json:"cursor,omitempty"`
	HasMore    bool                    `json:"hasMore"`
}

// dedupKey returns the logical identity of events that are merged or
// deduplicated, or "" for plain appends.
func dedupKey(e protocol.SandboxEvent) string {
	switch e.Type {
	case protocol.EventToken:
		if e.MessageID != "" {
			return "token:" + e.MessageID
		}
	case protocol.EventToolCall:
		if e.CallID != "" {
			return "tool_call:" + e.CallID
		}
	case protocol.EventExecutionComplete:
		if e.MessageID != "" {
			return "execution_complete:" + e.MessageID
		}
	}
	return ""
}

// Append stores an event for a session.
//
// tool_call deliveries sharing a call id are merged with MergeToolCall. A
// second execution_complete for a message id is reported as Duplicate and not
// stored. Token events hold cumulative text, so a newer token event for the
// same message replaces the stored content in place.
func (s *Store) Append(ctx context.Context, sessionID string, e protocol.SandboxEvent) (Appended, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e = e.Clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = protocol.Timestamp(time.Now())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Appended{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	key := dedupKey(e)
	if key != "" {
		var (
			seq     int64
			payload string
		)
		err := tx.QueryRowContext(ctx,
			"SELECT seq, payload FROM events WHERE session_id = ? AND dedup_key = ?",
			sessionID, key,
		).Scan(&seq, &payload)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return Appended{}, fmt.Errorf("lookup %s: %w", key, err)
		default:
			var existing protocol.SandboxEvent
			if err := json.Unmarshal([]byte(payload), &existing); err != nil {
				return Appended{}, fmt.Errorf("decode stored event %d: %w", seq, err)
			}
			if e.Type == protocol.EventExecutionComplete {
				return Appended{Result: Duplicate, Event: existing, Seq: seq}, nil
			}

			var merged protocol.SandboxEvent
			if e.Type == protocol.EventToolCall {
				merged = MergeToolCall(existing, e)
			} else {
				merged = e
				merged.ID = existing.ID
			}
			data, err := json.Marshal(merged)
			if err != nil {
				return Appended{}, fmt.Errorf("encode merged event: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE events SET payload = ?, timestamp = ?, call_id = ?, message_id = ? WHERE seq = ?",
				string(data), merged.Timestamp, merged.CallID, merged.MessageID, seq,
			); err != nil {
				return Appended{}, fmt.Errorf("update event %d: %w", seq, err)
			}
			if err := tx.Commit(); err != nil {
				return Appended{}, fmt.Errorf("commit merge: %w", err)
			}
			return Appended{Result: Merged, Event: merged, Seq: seq}, nil
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return Appended{}, fmt.Errorf("encode event: %w", err)
	}
	var dk interface{}
	if key != "" {
		dk = key
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO events (session_id, id, type, timestamp, call_id, message_id, dedup_key, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		sessionID, e.ID, string(e.Type), e.Timestamp, e.CallID, e.MessageID, dk, string(data),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Appended{}, fmt.Errorf("insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Appended{}, fmt.Errorf("read event seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Appended{}, fmt.Errorf("commit append: %w", err)
	}
	return Appended{Result: Inserted, Event: e, Seq: seq}, nil
}

// MergeToolCall folds a later delivery of a tool call into the stored record.
// Args are shallow-merged with non-nil incoming values winning. Status and
// output come from the delivery when it carries them. Metadata is replaced
// wholesale when the delivery has any, otherwise the stored metadata stays.
func MergeToolCall(existing, incoming protocol.SandboxEvent) protocol.SandboxEvent {
	out := existing.Clone()

	if len(existing.Args) > 0 || len(incoming.Args) > 0 {
		args := make(map[string]interface{}, len(existing.Args)+len(incoming.Args))
		for k, v := range existing.Args {
			args[k] = v
		}
		for k, v := range incoming.Args {
			if v != nil {
				args[k] = v
			}
		}
		out.Args = args
	}
	if len(incoming.Metadata) > 0 {
		out.Metadata = incoming.Clone().Metadata
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if incoming.Output != "" {
		out.Output = incoming.Output
	}
	if incoming.Tool != "" {
		out.Tool = incoming.Tool
	}
	if incoming.MessageID != "" {
		out.MessageID = incoming.MessageID
	}
	if incoming.Error != "" {
		out.Error = incoming.Error
	}
	if incoming.Timestamp != 0 {
		out.Timestamp = incoming.Timestamp
	}
	return out
}

// List returns one page of a session's events in arrival order, optionally
// restricted to the events of one message.
func (s *Store) List(ctx context.Context, sessionID string, opts ListOptions) (Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	after, err := decodeCursor(opts.Cursor)
	if err != nil {
		return Page{}, err
	}

	query := "SELECT seq, payload FROM events WHERE session_id = ? AND seq > ?"
	args := []interface{}{sessionID, after}
	if opts.MessageID != "" {
		query += " AND message_id = ?"
		args = append(args, opts.MessageID)
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, limit+1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	page := Page{Events: []protocol.SandboxEvent{}}
	var lastSeq int64
	for rows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return Page{}, fmt.Errorf("scan event: %w", err)
		}
		if len(page.Events) == limit {
			page.HasMore = true
			break
		}
		var e protocol.SandboxEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return Page{}, fmt.Errorf("decode event %d: %w", seq, err)
		}
		page.Events = append(page.Events, e)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate events: %w", err)
	}
	if page.HasMore {
		page.NextCursor = encodeCursor(lastSeq)
	}
	return page, nil
}

// Replay returns every stored event of a session in arrival order.
func (s *Store) Replay(ctx context.Context, sessionID string) ([]protocol.SandboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM events WHERE session_id = ? ORDER BY seq ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	defer rows.Close()

	events := []protocol.SandboxEvent{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e protocol.SandboxEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CountMessages returns the number of user_message events of a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE session_id = ? AND type = ?",
		sessionID, string(protocol.EventUserMessage),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func encodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("seq:" + strconv.FormatInt(seq, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) < 5 || string(raw[:4]) != "seq:" {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(string(raw[4:]), 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}
