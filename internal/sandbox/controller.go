package sandbox

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Controller holds the lifecycle state of one session's sandbox along with
// the ports it has exposed.
type Controller struct {
	mu         sync.Mutex
	status     Status
	lastError  string
	sandboxID  string
	ports      []int
	tunnelURLs map[string]string
}

// NewController restores a controller, typically from a persisted snapshot.
// An empty status starts at pending.
func NewController(status Status, ports []int, tunnelURLs map[string]string) *Controller {
	if status == "" {
		status = StatusPending
	}
	c := &Controller{
		status:     status,
		tunnelURLs: make(map[string]string, len(tunnelURLs)),
	}
	c.ports = append(c.ports, ports...)
	for k, v := range tunnelURLs {
		c.tunnelURLs[k] = v
	}
	return c
}

// Status returns the current lifecycle status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsExecutable reports whether prompts may be dispatched.
func (c *Controller) IsExecutable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Executable()
}

// LastError returns the message of the most recent failure, if any.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// SandboxID returns the id assigned by the provisioner.
func (c *Controller) SandboxID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sandboxID
}

// SetSandboxID records the id assigned by the provisioner.
func (c *Controller) SetSandboxID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sandboxID = id
}

// Transition moves to the given status. A transition to the current status
// is a no-op with changed false.
func (c *Controller) Transition(to Status) (changed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if to == c.status {
		return false, nil
	}
	if !CanTransition(c.status, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.status, to)
	}
	c.status = to
	if to != StatusFailed {
		c.lastError = ""
	}
	return true, nil
}

// Fail moves to failed from any non-terminal status and records msg.
// It reports false when already stopped or failed.
func (c *Controller) Fail(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Terminal() {
		return false
	}
	c.status = StatusFailed
	c.lastError = msg
	return true
}

// Retry returns a stopped or failed sandbox to pending and forgets the old
// sandbox id so the next provisioning creates a fresh one.
func (c *Controller) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.status.Terminal() {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, c.status)
	}
	c.status = StatusPending
	c.lastError = ""
	c.sandboxID = ""
	return nil
}

// AddPorts merges newly detected ports. Known ports are never removed; a
// known port only changes when a new non-empty URL is reported. changed
// reports whether the set or any URL changed.
func (c *Controller) AddPorts(ports map[int]string) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]int, 0, len(ports))
	for p := range ports {
		keys = append(keys, p)
	}
	sort.Ints(keys)

	for _, p := range keys {
		if p <= 0 || p > 65535 {
			continue
		}
		if !c.hasPortLocked(p) {
			c.ports = append(c.ports, p)
			changed = true
		}
		url := ports[p]
		key := strconv.Itoa(p)
		if url != "" && c.tunnelURLs[key] != url {
			c.tunnelURLs[key] = url
			changed = true
		}
	}
	return changed
}

func (c *Controller) hasPortLocked(port int) bool {
	for _, p := range c.ports {
		if p == port {
			return true
		}
	}
	return false
}

// ActivePorts returns the detected ports in detection order.
func (c *Controller) ActivePorts() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int{}, c.ports...)
}

// TunnelURLs returns a copy of the port to preview URL map.
func (c *Controller) TunnelURLs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.tunnelURLs))
	for k, v := range c.tunnelURLs {
		out[k] = v
	}
	return out
}
