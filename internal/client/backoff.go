// Package client is a reconnecting session client. It speaks the same wire
// protocol as browser clients and is used by the CLI and by tests.
package client

import "time"

// Backoff is the reconnect policy: the delay doubles from Base up to Max and
// at most MaxAttempts reconnects are tried in a row.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff waits 1s, 2s, 4s, 8s, 16s before giving up.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

// Delay returns the wait before reconnect attempt n, counting from 0.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
