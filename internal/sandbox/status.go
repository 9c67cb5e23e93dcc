// Package sandbox drives the execution sandbox backing a session through its
// provisioning lifecycle and carries commands to it.
package sandbox

import (
	"errors"
	"fmt"
)

// Status is a lifecycle state of the sandbox.
type Status string

const (
	StatusPending  Status = "pending"
	StatusWarming  Status = "warming"
	StatusSpawning Status = "spawning"
	StatusSyncing  Status = "syncing"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusWarming, StatusSpawning, StatusReady, StatusFailed, StatusStopped},
	StatusWarming:  {StatusSpawning, StatusSyncing, StatusReady, StatusFailed, StatusStopped},
	StatusSpawning: {StatusSyncing, StatusReady, StatusFailed, StatusStopped},
	StatusSyncing:  {StatusReady, StatusFailed, StatusStopped},
	StatusReady:    {StatusRunning, StatusStopped, StatusFailed},
	StatusRunning:  {StatusReady, StatusStopped, StatusFailed},
	StatusStopped:  {StatusPending},
	StatusFailed:   {StatusPending},
}

// ErrInvalidTransition is wrapped by Transition for a move the lifecycle
// does not allow.
var ErrInvalidTransition = errors.New("invalid sandbox transition")

// ParseStatus validates a status reported by a collaborator.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown sandbox status %q", s)
	}
	return st, nil
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another. Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s only leaves through an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Executable reports whether prompts may be dispatched in s.
func (s Status) Executable() bool {
	return s == StatusReady || s == StatusRunning
}
