// Package promptqueue serializes prompt executions: at most one prompt is
// active per session and the rest wait in FIFO order.
package promptqueue

import (
	"sync"
	"time"

	"github.com/workspace/session-coordinator/internal/protocol"
)

// Prompt is one submitted user prompt.
type Prompt struct {
	MessageID   string
	Content     string
	Model       string
	Author      protocol.Author
	SubmittedAt time.Time

	// Dispatched is set once the prompt was handed to the sandbox.
	Dispatched bool
}

// Queue holds the active prompt and the prompts waiting behind it.
type Queue struct {
	mu      sync.Mutex
	active  *Prompt
	pending []*Prompt
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Submit starts p when nothing is active. Otherwise p waits and position is
// its 1-based place among the waiting prompts.
func (q *Queue) Submit(p *Prompt) (started bool, position int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active == nil {
		q.active = p
		return true, 0
	}
	q.pending = append(q.pending, p)
	return false, len(q.pending)
}

// Complete ends the active prompt if its message id matches and promotes the
// next waiting prompt, which is returned. A mismatched id leaves the queue
// untouched and returns nil.
func (q *Queue) Complete(messageID string) *Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active == nil || q.active.MessageID != messageID {
		return nil
	}
	return q.advanceLocked()
}

// Fail releases the active prompt regardless of its id and promotes the next
// waiting prompt.
func (q *Queue) Fail() *Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active == nil {
		return nil
	}
	return q.advanceLocked()
}

func (q *Queue) advanceLocked() *Prompt {
	q.active = nil
	if len(q.pending) == 0 {
		return nil
	}
	q.active = q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return q.active
}

// Active returns the prompt currently executing, or nil.
func (q *Queue) Active() *Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Pending returns the number of waiting prompts.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether a prompt is active.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil
}

// Clear drops the active and every waiting prompt and returns how many were
// waiting.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.active = nil
	q.pending = nil
	return n
}
