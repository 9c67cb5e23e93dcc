// Package notify delivers signed execution-completion notifications to an
// external callback through a SQLite outbox, so a completion observed by the
// coordinator survives a failed POST or a process restart.
//
// All methods on *Notifier are nil-safe: a nil receiver is a no-op, which is
// what New returns when no callback endpoint is configured.
package notify

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/callbackretry"
)

// Completion is the unit of work enqueued into the outbox.
type Completion struct {
	SessionID string  `json:"sessionId"`
	MessageID string  `json:"messageId"`
	Success   bool    `json:"success"`
	Timestamp float64 `json:"timestamp"`
}

// signedCompletion is the POST body. Signature is the hex HMAC-SHA256 of the
// JSON encoding of the embedded Completion.
type signedCompletion struct {
	Completion
	Signature string `json:"signature"`
}

// Config holds the notifier settings.
type Config struct {
	Endpoint string
	Secret   string

	FlushInterval time.Duration
	BatchMaxSize  int
	OutboxMaxSize int
	HTTPTimeout   time.Duration
	Retry         callbackretry.Config
}

// DefaultConfig returns a Config with production defaults and no endpoint.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 2 * time.Second,
		BatchMaxSize:  50,
		OutboxMaxSize: 10000,
		HTTPTimeout:   10 * time.Second,
		Retry: callbackretry.Config{
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			MaxElapsed:   30 * time.Second,
			MaxAttempts:  3,
		},
	}
}

// ErrOutboxFull is returned by Enqueue when the outbox is at capacity.
var ErrOutboxFull = errors.New("notify: outbox full")

// Notifier drains the completion outbox to the configured endpoint.
type Notifier struct {
	cfg    Config
	db     *sql.DB
	client *http.Client
}

// New creates a Notifier backed by db and migrates the outbox table.
// It returns (nil, nil) when cfg.Endpoint is empty.
func New(db *sql.DB, cfg Config) (*Notifier, error) {
	if db == nil {
		return nil, fmt.Errorf("notify: db must not be nil")
	}
	if cfg.Endpoint == "" {
		return nil, nil
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("notify: a signing secret is required with an endpoint")
	}

	defaults := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = defaults.BatchMaxSize
	}
	if cfg.OutboxMaxSize <= 0 {
		cfg.OutboxMaxSize = defaults.OutboxMaxSize
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}

	if err := migrateOutbox(db); err != nil {
		return nil, fmt.Errorf("notify: migrate outbox: %w", err)
	}

	return &Notifier{
		cfg:    cfg,
		db:     db,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

// Enqueue records a completion for delivery. A second completion for the
// same session and message id is ignored.
func (n *Notifier) Enqueue(c Completion) error {
	if n == nil {
		return nil
	}

	var count int
	if err := n.db.QueryRow("SELECT COUNT(*) FROM completion_outbox").Scan(&count); err != nil {
		return fmt.Errorf("notify: count outbox: %w", err)
	}
	if count >= n.cfg.OutboxMaxSize {
		slog.Warn("Completion outbox full, dropping notification",
			"outboxSize", count, "maxSize", n.cfg.OutboxMaxSize,
			"sessionId", c.SessionID, "messageId", c.MessageID)
		return ErrOutboxFull
	}
	if c.Timestamp == 0 {
		c.Timestamp = float64(time.Now().UnixMilli()) / 1000
	}

	_, err := n.db.Exec(
		`INSERT OR IGNORE INTO completion_outbox
			(session_id, message_id, success, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.SessionID, c.MessageID, c.Success, c.Timestamp, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("notify: insert outbox: %w", err)
	}
	return nil
}

// Run drains the outbox every FlushInterval until ctx is done, then makes a
// final bounded attempt.
func (n *Notifier) Run(ctx context.Context) error {
	if n == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(n.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), n.cfg.HTTPTimeout)
			n.Flush(final)
			cancel()
			return nil
		case <-ticker.C:
			n.Flush(ctx)
		}
	}
}

// Flush delivers queued completions oldest first. Delivered and permanently
// rejected rows are removed; a transient failure stops the pass and leaves
// the remaining rows for the next one.
func (n *Notifier) Flush(ctx context.Context) {
	if n == nil {
		return
	}
	for {
		batch, err := n.readBatch(ctx)
		if err != nil {
			slog.Error("Completion outbox read failed", "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, row := range batch {
			err := n.deliver(ctx, row.completion)
			var statusErr *callbackretry.StatusError
			switch {
			case err == nil:
				n.delete(row.id)
			case errors.As(err, &statusErr) && !statusErr.Retryable():
				slog.Warn("Completion notification rejected, discarding",
					"sessionId", row.completion.SessionID, "messageId", row.completion.MessageID,
					"statusCode", statusErr.StatusCode)
				n.delete(row.id)
			default:
				slog.Warn("Completion notification failed",
					"sessionId", row.completion.SessionID, "messageId", row.completion.MessageID, "error", err)
				n.bumpAttempts(row.id)
				return
			}
		}
	}
}

// Pending returns the number of undelivered completions.
func (n *Notifier) Pending() int {
	if n == nil {
		return 0
	}
	var count int
	if err := n.db.QueryRow("SELECT COUNT(*) FROM completion_outbox").Scan(&count); err != nil {
		return 0
	}
	return count
}

type outboxRow struct {
	id         int64
	completion Completion
}

func (n *Notifier) readBatch(ctx context.Context) ([]outboxRow, error) {
	rows, err := n.db.QueryContext(ctx,
		`SELECT id, session_id, message_id, success, timestamp
		 FROM completion_outbox
		 ORDER BY id ASC
		 LIMIT ?`,
		n.cfg.BatchMaxSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []outboxRow
	for rows.Next() {
		var row outboxRow
		c := &row.completion
		if err := rows.Scan(&row.id, &c.SessionID, &c.MessageID, &c.Success, &c.Timestamp); err != nil {
			return nil, err
		}
		batch = append(batch, row)
	}
	return batch, rows.Err()
}

// Sign returns the signature the receiver should compute over c.
func Sign(secret string, c Completion) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return auth.SignPayload(secret, data), nil
}

func (n *Notifier) deliver(ctx context.Context, c Completion) error {
	sig, err := Sign(n.cfg.Secret, c)
	if err != nil {
		return fmt.Errorf("sign completion: %w", err)
	}
	body, err := json.Marshal(signedCompletion{Completion: c, Signature: sig})
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}

	return callbackretry.Do(ctx, n.cfg.Retry, "notify-completion", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return callbackretry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return callbackretry.CheckResponse("notify-completion", resp)
	})
}

func (n *Notifier) bumpAttempts(id int64) {
	_, err := n.db.Exec(
		"UPDATE completion_outbox SET attempts = attempts + 1, last_attempt_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		slog.Error("Completion outbox bump attempts failed", "id", id, "error", err)
	}
}

func (n *Notifier) delete(id int64) {
	if _, err := n.db.Exec("DELETE FROM completion_outbox WHERE id = ?", id); err != nil {
		slog.Error("Completion outbox delete failed", "id", id, "error", err)
	}
}
