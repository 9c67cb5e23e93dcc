package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/workspace/session-coordinator/internal/aggregator"
	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/eventlog"
	"github.com/workspace/session-coordinator/internal/notify"
	"github.com/workspace/session-coordinator/internal/presence"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/sandbox"
	"github.com/workspace/session-coordinator/internal/wsconn"
)

// fakePeer records every frame it is sent.
type fakePeer struct {
	mu        sync.Mutex
	msgs      []protocol.Incoming
	full      bool
	closeCode int
	aborted   bool
}

func (p *fakePeer) push(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted || p.closeCode != 0 {
		return wsconn.ErrClosed
	}
	if p.full {
		return wsconn.ErrBufferFull
	}
	in, err := protocol.DecodeServerMessage(data)
	if err != nil {
		return err
	}
	p.msgs = append(p.msgs, in)
	return nil
}

func (p *fakePeer) Send(data []byte) error { return p.push(data) }
func (p *fakePeer) SendWithTimeout(data []byte, _ time.Duration) error {
	return p.push(data)
}

// gatedPeer holds history replay until release is closed.
type gatedPeer struct {
	fakePeer
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedPeer() *gatedPeer {
	return &gatedPeer{started: make(chan struct{}), release: make(chan struct{})}
}

func (p *gatedPeer) SendWithTimeout(data []byte, _ time.Duration) error {
	p.once.Do(func() { close(p.started) })
	<-p.release
	return p.push(data)
}

func (p *fakePeer) Close(code int, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCode = code
}

func (p *fakePeer) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
}

func (p *fakePeer) setFull(full bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.full = full
}

func (p *fakePeer) isAborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted
}

func (p *fakePeer) code() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode
}

// drain returns and forgets the frames received so far.
func (p *fakePeer) drain() []protocol.Incoming {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msgs
	p.msgs = nil
	return out
}

func (p *fakePeer) has(t protocol.ServerMessageType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.msgs {
		if m.Type == t {
			return true
		}
	}
	return false
}

func typesOf(msgs []protocol.Incoming) []protocol.ServerMessageType {
	out := make([]protocol.ServerMessageType, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

// fakeCommander is a sandbox link that records commands.
type fakeCommander struct {
	mu   sync.Mutex
	cmds []sandbox.Command
	err  error
}

func (f *fakeCommander) Send(cmd sandbox.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeCommander) sent() []sandbox.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.Command(nil), f.cmds...)
}

type fakeProvisioner struct {
	mu      sync.Mutex
	creates []sandbox.CreateRequest
	err     error
}

func (f *fakeProvisioner) Warm(_ context.Context, _ sandbox.WarmRequest) (sandbox.WarmResponse, error) {
	return sandbox.WarmResponse{SnapshotID: "snap-1"}, nil
}

func (f *fakeProvisioner) Create(_ context.Context, req sandbox.CreateRequest) (sandbox.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return sandbox.CreateResponse{}, f.err
	}
	f.creates = append(f.creates, req)
	return sandbox.CreateResponse{SandboxID: "sb-1", Status: "spawning"}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Completion
}

func (f *fakeNotifier) Enqueue(c notify.Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return nil
}

func (f *fakeNotifier) completions() []notify.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Completion(nil), f.sent...)
}

// tokenAuth admits tokens of the form "ok:<userID>".
type tokenAuth struct{}

func (tokenAuth) Validate(token, sessionID string) (*auth.AdmissionClaims, error) {
	const prefix = "ok:"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return nil, auth.ErrTokenInvalid
	}
	user := token[len(prefix):]
	return &auth.AdmissionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: user},
		SessionID:        sessionID,
		Name:             "User " + user,
	}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store    *eventlog.Store
	notifier *fakeNotifier
	prov     *fakeProvisioner
	clock    *testClock
	cfg      Config
	deps     Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:    store,
		notifier: &fakeNotifier{},
		clock:    newTestClock(),
		cfg: Config{
			// Idle flushes are driven explicitly by tests.
			Aggregator:   aggregator.Config{MaxFragments: 100, FlushInterval: time.Hour},
			Presence:     presence.Config{GracePeriod: -1},
			WarmOnTyping: true,
		},
	}
	env.deps = Deps{
		Store:    store,
		Auth:     tokenAuth{},
		Notifier: env.notifier,
		Now:      env.clock.Now,
	}
	return env
}

func (env *testEnv) withProvisioner() *testEnv {
	env.prov = &fakeProvisioner{}
	env.deps.Provisioner = env.prov
	return env
}

func (env *testEnv) coordinator(t *testing.T, sessionID string) *Coordinator {
	t.Helper()
	c, err := New(context.Background(), sessionID, env.cfg, env.deps)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func admit(t *testing.T, c *Coordinator, user string) (*Handle, *fakePeer) {
	t.Helper()
	peer := &fakePeer{}
	h, err := c.Admit(context.Background(), "ok:"+user, "client-"+user, peer)
	require.NoError(t, err)
	peer.drain()
	return h, peer
}

// readySandbox attaches a fake link, which makes the sandbox ready.
func readySandbox(t *testing.T, c *Coordinator) *fakeCommander {
	t.Helper()
	link := &fakeCommander{}
	require.NoError(t, c.AttachSandbox(context.Background(), link))
	return link
}

var errBoom = errors.New("boom")
