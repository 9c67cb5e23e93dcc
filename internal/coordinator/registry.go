package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultIdleTTL is how long a coordinator with no connections and nothing
// running is kept in memory.
const DefaultIdleTTL = 30 * time.Minute

// Registry holds the live coordinators of this process, one per session.
type Registry struct {
	cfg     Config
	deps    Deps
	idleTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*Coordinator
	cron     *cron.Cron
}

// NewRegistry creates an empty registry whose coordinators share cfg and
// deps. A zero idleTTL uses DefaultIdleTTL.
func NewRegistry(cfg Config, deps Deps, idleTTL time.Duration) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		idleTTL:  idleTTL,
		sessions: make(map[string]*Coordinator),
	}
}

// Get returns the coordinator for sessionID, restoring it from storage on
// first use.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Coordinator, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	r.mu.RLock()
	c, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.sessions[sessionID]; ok {
		return c, nil
	}
	c, err := New(ctx, sessionID, r.cfg, r.deps)
	if err != nil {
		return nil, err
	}
	r.sessions[sessionID] = c
	slog.Info("Session coordinator started", "sessionId", sessionID, "sessions", len(r.sessions))
	return c, nil
}

// Lookup returns a coordinator only if it is already live.
func (r *Registry) Lookup(sessionID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[sessionID]
	return c, ok
}

// Counts returns the number of live sessions and admitted connections.
func (r *Registry) Counts() (sessions, connections int) {
	for _, c := range r.snapshot() {
		sessions++
		connections += c.ConnectionCount()
	}
	return sessions, connections
}

// IDs returns the ids of the live sessions, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep demotes inactive participants and evicts coordinators that have
// been idle longer than the TTL. It returns the number evicted.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.deps.Now()
	var evict []*Coordinator
	for _, c := range r.snapshot() {
		c.SweepPresence(now)
		if c.Idle(now, r.idleTTL) {
			evict = append(evict, c)
		}
	}

	evicted := 0
	for _, c := range evict {
		r.mu.Lock()
		// Re-check under the registry lock so a concurrent Get does not hand
		// out a coordinator that is about to close.
		if r.sessions[c.ID()] != c || !c.Idle(now, r.idleTTL) {
			r.mu.Unlock()
			continue
		}
		delete(r.sessions, c.ID())
		r.mu.Unlock()

		if err := c.Close(ctx); err != nil {
			slog.Warn("Failed to close idle coordinator", "sessionId", c.ID(), "error", err)
		}
		evicted++
		slog.Info("Evicted idle session coordinator", "sessionId", c.ID())
	}
	return evicted
}

// Start runs Sweep on a cron schedule such as "@every 30s".
func (r *Registry) Start(schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("registry sweeper already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Shutdown stops the sweeper and closes every coordinator in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sweeper := r.cron
	r.cron = nil
	r.mu.Unlock()
	if sweeper != nil {
		// Waits for a running sweep, which takes r.mu itself.
		<-sweeper.Stop().Done()
	}

	r.mu.Lock()
	all := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		all = append(all, c)
	}
	r.sessions = make(map[string]*Coordinator)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range all {
		g.Go(func() error {
			return c.Close(gctx)
		})
	}
	return g.Wait()
}

func (r *Registry) snapshot() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	return out
}
