package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/session-coordinator/internal/protocol"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestSessionURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base, want string
		wantErr    bool
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/sessions/s%201/ws"},
		{base: "https://example.test/api/", want: "wss://example.test/api/sessions/s%201/ws"},
		{base: "wss://example.test", want: "wss://example.test/sessions/s%201/ws"},
		{base: "ftp://example.test", wantErr: true},
	}
	for _, tt := range tests {
		got, err := SessionURL(tt.base, "s 1")
		if tt.wantErr {
			assert.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

// fakeServer admits a connection when its subscribe token is accepted by
// admit, and records every client message.
type fakeServer struct {
	mu       sync.Mutex
	received []protocol.ClientMessage
	admit    func(conn int, token string) int
	conns    atomic.Int32
}

func (s *fakeServer) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		n := int(s.conns.Add(1))

		for {
			var msg protocol.ClientMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			s.mu.Unlock()

			if msg.Type != protocol.MsgSubscribe {
				continue
			}
			if code := s.admit(n, msg.Token); code != 0 {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				return
			}
			data, _ := protocol.Encode(protocol.Subscribed(protocol.SessionState{ID: "s1"}, protocol.Participant{ParticipantID: "p1"}))
			ws.WriteMessage(websocket.TextMessage, data)
		}
	})
}

func (s *fakeServer) types() []protocol.ClientMessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.ClientMessageType
	for _, m := range s.received {
		out = append(out, m.Type)
	}
	return out
}

func countingTokens(n *atomic.Int32) TokenSource {
	return func(context.Context) (string, error) {
		n.Add(1)
		return "token", nil
	}
}

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}
}

func TestClientSubscribesAndWarmsOnce(t *testing.T) {
	t.Parallel()
	srv := &fakeServer{admit: func(int, string) int { return 0 }}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	var tokens atomic.Int32
	c, err := New(Config{BaseURL: ts.URL, SessionID: "s1", Tokens: countingTokens(&tokens), Backoff: fastBackoff()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case msg := <-c.Messages():
		assert.Equal(t, protocol.MsgSubscribed, msg.Type)
		assert.Equal(t, "p1", msg.ParticipantID)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribed message")
	}
	assert.Equal(t, StateSubscribed, c.State())

	require.NoError(t, c.Prompt("hello", "", "corr-1"))
	require.Eventually(t, func() bool { return len(srv.types()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []protocol.ClientMessageType{protocol.MsgSubscribe, protocol.MsgTyping, protocol.MsgPrompt}, srv.types())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Stop(), ErrNotConnected)
}

func TestClientRefetchesTokenAfterAuthClose(t *testing.T) {
	t.Parallel()
	srv := &fakeServer{admit: func(conn int, _ string) int {
		if conn == 1 {
			return protocol.CloseAuthRequired
		}
		return 0
	}}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	var tokens atomic.Int32
	var states []State
	var statesMu sync.Mutex
	c, err := New(Config{
		BaseURL: ts.URL, SessionID: "s1", Tokens: countingTokens(&tokens), Backoff: fastBackoff(),
		OnState: func(s State) {
			statesMu.Lock()
			states = append(states, s)
			statesMu.Unlock()
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case msg := <-c.Messages():
		assert.Equal(t, protocol.MsgSubscribed, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	assert.Equal(t, int32(2), tokens.Load(), "a fresh token is fetched for the retry")
	statesMu.Lock()
	assert.Contains(t, states, StateAuthRequired)
	statesMu.Unlock()
}

func TestClientStopsOnSessionExpired(t *testing.T) {
	t.Parallel()
	srv := &fakeServer{admit: func(int, string) int { return protocol.CloseSessionExpired }}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	var tokens atomic.Int32
	c, err := New(Config{BaseURL: ts.URL, SessionID: "s1", Tokens: countingTokens(&tokens), Backoff: fastBackoff()})
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, StateSessionExpired, c.State())
	assert.Equal(t, int32(1), srv.conns.Load(), "an expired session is not retried")
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	var tokens atomic.Int32
	c, err := New(Config{BaseURL: ts.URL, SessionID: "s1", Tokens: countingTokens(&tokens), Backoff: fastBackoff()})
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, StateConnectionLost, c.State())
	assert.Equal(t, int32(4), tokens.Load(), "first try plus three reconnects")

	_, open := <-c.Messages()
	assert.False(t, open)
}

func TestClientTokenSourceErrorCountsAsAttempt(t *testing.T) {
	t.Parallel()
	c, err := New(Config{
		BaseURL: "http://127.0.0.1:1", SessionID: "s1", Backoff: fastBackoff(),
		Tokens: func(context.Context) (string, error) { return "", errors.New("signed out") },
	})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Run(context.Background()), ErrConnectionLost)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{SessionID: "s1", Tokens: countingTokens(new(atomic.Int32))})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x", SessionID: "s1"})
	assert.Error(t, err)
}
