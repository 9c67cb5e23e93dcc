package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/callbackretry"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "outbox.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.Exec("PRAGMA busy_timeout=5000")
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:      endpoint,
		Secret:        "callback-secret",
		FlushInterval: 20 * time.Millisecond,
		BatchMaxSize:  10,
		OutboxMaxSize: 5,
		HTTPTimeout:   2 * time.Second,
		Retry: callbackretry.Config{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			MaxElapsed:   time.Second,
			MaxAttempts:  2,
		},
	}
}

type received struct {
	mu    sync.Mutex
	items []signedCompletion
}

func (r *received) handler(status *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body signedCompletion
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		code := int(status.Load())
		if code == http.StatusOK {
			r.mu.Lock()
			r.items = append(r.items, body)
			r.mu.Unlock()
		}
		w.WriteHeader(code)
	}
}

func (r *received) list() []signedCompletion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signedCompletion(nil), r.items...)
}

func TestNewDisabledWithoutEndpoint(t *testing.T) {
	t.Parallel()
	n, err := New(openTestDB(t), Config{})
	if err != nil || n != nil {
		t.Fatalf("New without endpoint = %v, %v; want nil, nil", n, err)
	}
	// nil receiver is a no-op
	if err := n.Enqueue(Completion{MessageID: "m1"}); err != nil {
		t.Fatalf("nil Enqueue: %v", err)
	}
	n.Flush(context.Background())
	if n.Pending() != 0 {
		t.Fatal("nil Pending should be 0")
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, testConfig("http://localhost")); err == nil {
		t.Fatal("expected error for nil db")
	}
	cfg := testConfig("http://localhost")
	cfg.Secret = ""
	if _, err := New(openTestDB(t), cfg); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestEnqueueIsIdempotentPerMessage(t *testing.T) {
	t.Parallel()
	n, err := New(openTestDB(t), testConfig("http://localhost"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := n.Enqueue(Completion{SessionID: "s1", MessageID: "m1", Success: true}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := n.Enqueue(Completion{SessionID: "s2", MessageID: "m1", Success: true}); err != nil {
		t.Fatalf("Enqueue other session: %v", err)
	}
	if got := n.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()
	n, err := New(openTestDB(t), testConfig("http://localhost"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := n.Enqueue(Completion{SessionID: "s1", MessageID: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := n.Enqueue(Completion{SessionID: "s1", MessageID: "overflow"}); err != ErrOutboxFull {
		t.Fatalf("Enqueue over capacity = %v, want ErrOutboxFull", err)
	}
}

func TestFlushDeliversSignedPayload(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusOK)
	var got received
	srv := httptest.NewServer(got.handler(&status))
	defer srv.Close()

	n, err := New(openTestDB(t), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.Enqueue(Completion{SessionID: "s1", MessageID: "m1", Success: true, Timestamp: 1700000000.5})
	n.Enqueue(Completion{SessionID: "s1", MessageID: "m2", Success: false, Timestamp: 1700000001})
	n.Flush(context.Background())

	items := got.list()
	if len(items) != 2 {
		t.Fatalf("delivered %d, want 2", len(items))
	}
	if items[0].MessageID != "m1" || !items[0].Success || items[1].Success {
		t.Fatalf("delivered = %+v", items)
	}
	for _, item := range items {
		data, _ := json.Marshal(item.Completion)
		if !auth.VerifyPayload("callback-secret", data, item.Signature) {
			t.Fatalf("signature for %s does not verify", item.MessageID)
		}
	}
	if n.Pending() != 0 {
		t.Fatalf("Pending = %d after delivery", n.Pending())
	}
}

func TestFlushKeepsRowsOnTransientFailure(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	var got received
	srv := httptest.NewServer(got.handler(&status))
	defer srv.Close()

	n, err := New(openTestDB(t), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.Enqueue(Completion{SessionID: "s1", MessageID: "m1", Success: true})
	n.Flush(context.Background())
	if n.Pending() != 1 {
		t.Fatalf("Pending = %d, want row kept for retry", n.Pending())
	}

	status.Store(http.StatusOK)
	n.Flush(context.Background())
	if n.Pending() != 0 || len(got.list()) != 1 {
		t.Fatalf("Pending = %d delivered = %d after recovery", n.Pending(), len(got.list()))
	}
}

func TestFlushDiscardsRejectedRows(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	var got received
	srv := httptest.NewServer(got.handler(&status))
	defer srv.Close()

	n, err := New(openTestDB(t), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.Enqueue(Completion{SessionID: "s1", MessageID: "m1"})
	n.Flush(context.Background())
	if n.Pending() != 0 {
		t.Fatalf("Pending = %d, want rejected row discarded", n.Pending())
	}
}

func TestRunFlushesOnTickAndShutdown(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusOK)
	var got received
	srv := httptest.NewServer(got.handler(&status))
	defer srv.Close()

	n, err := New(openTestDB(t), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	n.Enqueue(Completion{SessionID: "s1", MessageID: "m1", Success: true})
	deadline := time.Now().Add(2 * time.Second)
	for len(got.list()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(got.list()) != 1 {
		t.Fatal("Run did not deliver on tick")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
