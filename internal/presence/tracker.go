// Package presence tracks the participants connected to a session and their
// liveness.
package presence

import (
	"sync"
	"time"

	"github.com/workspace/session-coordinator/internal/protocol"
)

// Config holds the liveness thresholds.
type Config struct {
	// GracePeriod keeps a user visible after their last connection closes so
	// a reload or tab switch does not produce a leave/join pair.
	GracePeriod time.Duration
	IdleAfter   time.Duration
	AwayAfter   time.Duration
}

// Defaults for Config.
const (
	DefaultGracePeriod = 10 * time.Second
	DefaultIdleAfter   = 2 * time.Minute
	DefaultAwayAfter   = 10 * time.Minute
)

type ghost struct {
	participant protocol.Participant
	timer       *time.Timer
}

// Tracker is the participant set of one session. It is safe for concurrent
// use, but OnUserLeft is called without the tracker lock held and from a
// timer goroutine.
type Tracker struct {
	cfg Config

	// OnUserLeft is called once a user's grace period elapses without a
	// rejoin.
	OnUserLeft func(userID string)

	mu      sync.Mutex
	entries map[string]protocol.Participant
	order   []string
	ghosts  map[string]*ghost
	// ghostOrder holds the users in ghosts in departure order.
	ghostOrder []string
	closed     bool
}

// NewTracker creates an empty tracker, applying defaults for zero thresholds.
// A negative GracePeriod disables the grace period.
func NewTracker(cfg Config) *Tracker {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	if cfg.AwayAfter <= 0 {
		cfg.AwayAfter = DefaultAwayAfter
	}
	return &Tracker{
		cfg:     cfg,
		entries: make(map[string]protocol.Participant),
		ghosts:  make(map[string]*ghost),
	}
}

// Join adds a participant as active and cancels a pending grace expiry for
// the same user. rejoined reports whether such an expiry was cancelled.
func (t *Tracker) Join(p protocol.Participant) (rejoined bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.Status = protocol.ParticipantActive
	if _, exists := t.entries[p.ParticipantID]; !exists {
		t.order = append(t.order, p.ParticipantID)
	}
	t.entries[p.ParticipantID] = p

	if g, ok := t.ghosts[p.UserID]; ok {
		g.timer.Stop()
		t.removeGhostLocked(p.UserID)
		rejoined = true
	}
	return rejoined
}

// Leave removes a participant. lastForUser reports that no other participant
// of the same user remains. With a grace period configured the user stays
// visible until it elapses, then OnUserLeft fires; without one the caller
// announces the departure itself.
func (t *Tracker) Leave(participantID string) (userID string, lastForUser bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[participantID]
	if !ok {
		return "", false
	}
	delete(t.entries, participantID)
	for i, id := range t.order {
		if id == participantID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}

	for _, other := range t.entries {
		if other.UserID == p.UserID {
			return p.UserID, false
		}
	}

	if t.cfg.GracePeriod > 0 && !t.closed {
		if old, ok := t.ghosts[p.UserID]; ok {
			old.timer.Stop()
			t.removeGhostLocked(p.UserID)
		}
		g := &ghost{participant: p}
		g.timer = time.AfterFunc(t.cfg.GracePeriod, func() { t.expire(p.UserID, g) })
		t.ghosts[p.UserID] = g
		t.ghostOrder = append(t.ghostOrder, p.UserID)
	}
	return p.UserID, true
}

func (t *Tracker) removeGhostLocked(userID string) {
	delete(t.ghosts, userID)
	for i, id := range t.ghostOrder {
		if id == userID {
			t.ghostOrder = append(t.ghostOrder[:i], t.ghostOrder[i+1:]...)
			return
		}
	}
}

func (t *Tracker) expire(userID string, g *ghost) {
	t.mu.Lock()
	current, ok := t.ghosts[userID]
	if !ok || current != g {
		t.mu.Unlock()
		return
	}
	t.removeGhostLocked(userID)
	t.mu.Unlock()

	if t.OnUserLeft != nil {
		t.OnUserLeft(userID)
	}
}

// Touch records activity for a participant. changed reports a status change
// back to active.
func (t *Tracker) Touch(participantID string, now time.Time) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[participantID]
	if !ok {
		return false
	}
	changed = p.Status != protocol.ParticipantActive
	p.Status = protocol.ParticipantActive
	p.LastSeen = protocol.Timestamp(now)
	t.entries[participantID] = p
	return changed
}

// Sweep demotes participants whose last activity is older than the idle and
// away thresholds. It reports whether any status changed.
func (t *Tracker) Sweep(now time.Time) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowTS := protocol.Timestamp(now)
	for id, p := range t.entries {
		age := time.Duration((nowTS - p.LastSeen) * float64(time.Second))
		next := protocol.ParticipantActive
		switch {
		case age >= t.cfg.AwayAfter:
			next = protocol.ParticipantAway
		case age >= t.cfg.IdleAfter:
			next = protocol.ParticipantIdle
		}
		if next != p.Status {
			p.Status = next
			t.entries[id] = p
			changed = true
		}
	}
	return changed
}

// Get returns a participant by id.
func (t *Tracker) Get(participantID string) (protocol.Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[participantID]
	return p, ok
}

// Visible returns one entry per user in join order, followed by users inside
// their grace period in departure order. A user with several connections shows the most active
// status and the latest lastSeen among them.
func (t *Tracker) Visible() []protocol.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]protocol.Participant, 0, len(t.order)+len(t.ghosts))
	index := make(map[string]int, len(t.order))
	for _, id := range t.order {
		p := t.entries[id]
		i, seen := index[p.UserID]
		if !seen {
			index[p.UserID] = len(out)
			out = append(out, p)
			continue
		}
		cur := out[i]
		if p.Status.Rank() < cur.Status.Rank() {
			cur.Status = p.Status
		}
		if p.LastSeen > cur.LastSeen {
			cur.LastSeen = p.LastSeen
		}
		out[i] = cur
	}
	for _, userID := range t.ghostOrder {
		if _, seen := index[userID]; !seen {
			out = append(out, t.ghosts[userID].participant)
		}
	}
	return out
}

// Count returns the number of connected participants, excluding users in
// their grace period.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels every pending grace expiry.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, g := range t.ghosts {
		g.timer.Stop()
	}
	t.ghosts = make(map[string]*ghost)
	t.ghostOrder = nil
}
