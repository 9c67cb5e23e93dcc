package presence

import (
	"testing"
	"time"

	"github.com/workspace/session-coordinator/internal/protocol"
)

func participant(id, user string, lastSeen time.Time) protocol.Participant {
	return protocol.Participant{ParticipantID: id, UserID: user, Name: user, LastSeen: protocol.Timestamp(lastSeen)}
}

func TestVisibleDedupsByUser(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{GracePeriod: -1})
	base := time.Unix(1_700_000_000, 0)

	tr.Join(participant("p1", "alice", base))
	tr.Join(participant("p2", "bob", base))
	tr.Join(participant("p3", "alice", base.Add(time.Minute)))

	visible := tr.Visible()
	if len(visible) != 2 {
		t.Fatalf("len(Visible) = %d, want 2", len(visible))
	}
	if visible[0].UserID != "alice" || visible[1].UserID != "bob" {
		t.Fatalf("Visible order = %+v", visible)
	}
	if visible[0].LastSeen != protocol.Timestamp(base.Add(time.Minute)) {
		t.Errorf("alice lastSeen = %v, want latest", visible[0].LastSeen)
	}
	if tr.Count() != 3 {
		t.Errorf("Count = %d, want 3", tr.Count())
	}
}

func TestVisiblePrefersMostActiveStatus(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{GracePeriod: -1, IdleAfter: time.Minute, AwayAfter: time.Hour})
	base := time.Unix(1_700_000_000, 0)

	tr.Join(participant("p1", "alice", base))
	tr.Join(participant("p2", "alice", base))
	if !tr.Sweep(base.Add(2 * time.Minute)) {
		t.Fatal("Sweep should demote both tabs to idle")
	}
	tr.Touch("p2", base.Add(2*time.Minute))

	visible := tr.Visible()
	if len(visible) != 1 || visible[0].Status != protocol.ParticipantActive {
		t.Fatalf("Visible = %+v, want alice active", visible)
	}
}

func TestSweepThresholds(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{GracePeriod: -1, IdleAfter: time.Minute, AwayAfter: 5 * time.Minute})
	base := time.Unix(1_700_000_000, 0)
	tr.Join(participant("p1", "alice", base))

	tests := []struct {
		at      time.Duration
		want    protocol.ParticipantStatus
		changed bool
	}{
		{30 * time.Second, protocol.ParticipantActive, false},
		{2 * time.Minute, protocol.ParticipantIdle, true},
		{3 * time.Minute, protocol.ParticipantIdle, false},
		{6 * time.Minute, protocol.ParticipantAway, true},
	}
	for _, tt := range tests {
		changed := tr.Sweep(base.Add(tt.at))
		p, _ := tr.Get("p1")
		if p.Status != tt.want || changed != tt.changed {
			t.Errorf("Sweep(+%s) = %s changed=%v, want %s changed=%v", tt.at, p.Status, changed, tt.want, tt.changed)
		}
	}

	if !tr.Touch("p1", base.Add(7*time.Minute)) {
		t.Error("Touch should report the return to active")
	}
	if tr.Touch("p1", base.Add(7*time.Minute)) {
		t.Error("Touch of an active participant should not report a change")
	}
}

func TestLeaveWithoutGrace(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{GracePeriod: -1})
	now := time.Now()
	tr.OnUserLeft = func(string) { t.Error("OnUserLeft should not fire without a grace period") }

	tr.Join(participant("p1", "alice", now))
	tr.Join(participant("p2", "alice", now))

	if user, last := tr.Leave("p1"); user != "alice" || last {
		t.Fatalf("Leave(p1) = %q, %v; alice still has p2", user, last)
	}
	if user, last := tr.Leave("p2"); user != "alice" || !last {
		t.Fatalf("Leave(p2) = %q, %v; want last for alice", user, last)
	}
	if len(tr.Visible()) != 0 {
		t.Fatalf("Visible = %+v, want empty", tr.Visible())
	}
	if _, last := tr.Leave("unknown"); last {
		t.Fatal("Leave of unknown participant should be a no-op")
	}
}

func TestGracePeriodExpires(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{GracePeriod: 20 * time.Millisecond})
	left := make(chan string, 1)
	tr.OnUserLeft = func(userID string) { left <- userID }

	tr.Join(participant("p1", "alice", time.Now()))
	tr.Leave("p1")

	if v := tr.Visible(); len(v) != 1 {
		t.Fatalf("user should stay visible during grace, got %+v", v)
	}
	select {
	case user := <-left:
		if user != "alice" {
			t.Fatalf("OnUserLeft(%q), want alice", user)
		}
	case <-time.After(time.Second):
		t.Fatal("grace period did not expire")
	}
	if v := tr.Visible(); len(v) != 0 {
		t.Fatalf("Visible after grace = %+v", v)
	}
}

func TestRejoinCancelsGrace(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{GracePeriod: 30 * time.Millisecond})
	left := make(chan string, 1)
	tr.OnUserLeft = func(userID string) { left <- userID }

	tr.Join(participant("p1", "alice", time.Now()))
	tr.Leave("p1")
	if !tr.Join(participant("p2", "alice", time.Now())) {
		t.Fatal("Join within grace should report a rejoin")
	}

	select {
	case <-left:
		t.Fatal("OnUserLeft fired after rejoin")
	case <-time.After(80 * time.Millisecond):
	}
	if v := tr.Visible(); len(v) != 1 || v[0].ParticipantID != "p2" {
		t.Fatalf("Visible = %+v", v)
	}
}

func TestCloseCancelsGrace(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{GracePeriod: 20 * time.Millisecond})
	tr.OnUserLeft = func(string) { t.Error("OnUserLeft fired after Close") }

	tr.Join(participant("p1", "alice", time.Now()))
	tr.Leave("p1")
	tr.Close()
	time.Sleep(50 * time.Millisecond)
}

func TestVisibleGhostsKeepDepartureOrder(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{GracePeriod: time.Hour})
	t.Cleanup(tr.Close)
	now := time.Now()

	users := []string{"dave", "alice", "carol", "bob", "erin", "frank"}
	tr.Join(participant("p-stay", "zoe", now))
	for i, user := range users {
		tr.Join(participant("p"+string(rune('0'+i)), user, now))
	}
	for i := range users {
		tr.Leave("p" + string(rune('0'+i)))
	}
	// Rejoining and leaving again moves a user to the end.
	tr.Join(participant("p-again", "alice", now))
	tr.Leave("p-again")

	want := []string{"zoe", "dave", "carol", "bob", "erin", "frank", "alice"}
	for round := 0; round < 20; round++ {
		visible := tr.Visible()
		if len(visible) != len(want) {
			t.Fatalf("len(Visible) = %d, want %d", len(visible), len(want))
		}
		for i, p := range visible {
			if p.UserID != want[i] {
				t.Fatalf("round %d: Visible[%d] = %s, want %s", round, i, p.UserID, want[i])
			}
		}
	}
}
