// Package aggregator coalesces streamed model-output fragments into
// cumulative token events so broadcast rate stays bounded under fast token
// production.
package aggregator

import (
	"strings"
	"sync"
	"time"
)

// Defaults for Config.
const (
	DefaultMaxFragments  = 100
	DefaultFlushInterval = 50 * time.Millisecond
)

// Config controls when buffered fragments are flushed.
type Config struct {
	MaxFragments  int
	FlushInterval time.Duration
}

// Flush is one coalesced unit. Content is the full text of the message so
// far, never a delta.
type Flush struct {
	MessageID string
	Content   string
}

// Aggregator buffers fragments of one in-flight message at a time.
//
// Add and Flush return flushes synchronously so the owner can persist and
// broadcast them under its own lock. When the idle timer elapses the
// aggregator does not flush by itself; it calls OnIdle, and the owner is
// expected to call Flush.
type Aggregator struct {
	cfg Config

	// OnIdle is invoked from a timer goroutine when FlushInterval has passed
	// since the last fragment. It must not be set after the first Add.
	OnIdle func()

	mu        sync.Mutex
	messageID string
	text      string // already flushed text of messageID
	buf       []string
	timer     *time.Timer
	gen       uint64
	stopped   bool
}

// New creates an aggregator, applying defaults for zero config values.
func New(cfg Config) *Aggregator {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = DefaultMaxFragments
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Aggregator{cfg: cfg}
}

// Add buffers a fragment. A fragment for a different message first flushes
// the buffered one and starts that message from empty text. Reaching the
// fragment ceiling flushes immediately.
func (a *Aggregator) Add(messageID, fragment string) []Flush {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}

	var out []Flush
	if messageID != a.messageID {
		if f, ok := a.flushLocked(); ok {
			out = append(out, f)
		}
		a.messageID = messageID
		a.text = ""
	}

	a.buf = append(a.buf, fragment)
	if len(a.buf) >= a.cfg.MaxFragments {
		if f, ok := a.flushLocked(); ok {
			out = append(out, f)
		}
		return out
	}

	a.armLocked()
	return out
}

// Flush emits the buffered fragments, if any, and cancels the idle timer.
func (a *Aggregator) Flush() (Flush, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

// Pending reports whether fragments are buffered.
func (a *Aggregator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf) > 0
}

// Reset forgets the current message, typically after its execution
// completed. Buffered fragments are returned as a final flush.
func (a *Aggregator) Reset() (Flush, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.flushLocked()
	a.messageID = ""
	a.text = ""
	return f, ok
}

// Stop cancels the idle timer and drops further fragments.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.cancelLocked()
	a.buf = nil
}

func (a *Aggregator) flushLocked() (Flush, bool) {
	a.cancelLocked()
	if len(a.buf) == 0 {
		return Flush{}, false
	}
	a.text += strings.Join(a.buf, "")
	a.buf = a.buf[:0]
	return Flush{MessageID: a.messageID, Content: a.text}, true
}

func (a *Aggregator) armLocked() {
	a.cancelLocked()
	gen := a.gen
	a.timer = time.AfterFunc(a.cfg.FlushInterval, func() {
		a.mu.Lock()
		// A flush for another reason bumped gen after this timer was armed.
		live := gen == a.gen && !a.stopped && len(a.buf) > 0
		a.mu.Unlock()
		if live && a.OnIdle != nil {
			a.OnIdle()
		}
	})
}

func (a *Aggregator) cancelLocked() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
