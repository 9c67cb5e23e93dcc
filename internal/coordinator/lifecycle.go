package coordinator

import (
	"context"
	"errors"
	"strconv"

	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/sandbox"
)

// provisionLocked moves a pending sandbox to warming and runs warm then
// create against the provisioner in the background. Without a provisioner
// the sandbox is driven entirely by status callbacks.
func (c *Coordinator) provisionLocked() {
	if c.deps.Provisioner == nil || c.provisioning || c.closed {
		return
	}
	changed, err := c.sandbox.Transition(sandbox.StatusWarming)
	if err != nil || !changed {
		return
	}
	c.provisioning = true
	c.broadcastLocked(protocol.SandboxStatusMessage(string(sandbox.StatusWarming), ""), nil)
	c.persistLocked(c.ctx)

	warm := sandbox.WarmRequest{
		SessionID: c.id,
		RepoOwner: c.meta.RepoOwner,
		RepoName:  c.meta.RepoName,
		Branch:    c.meta.BranchName,
	}
	create := sandbox.CreateRequest{
		SessionID: c.id,
		RepoOwner: c.meta.RepoOwner,
		RepoName:  c.meta.RepoName,
		Branch:    c.meta.BranchName,
		Model:     c.meta.Model,
	}
	c.log.Info("Provisioning sandbox")
	go c.runProvision(warm, create)
}

func (c *Coordinator) runProvision(warm sandbox.WarmRequest, create sandbox.CreateRequest) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ProvisionTimeout)
	defer cancel()

	var resp sandbox.CreateResponse
	w, err := c.deps.Provisioner.Warm(ctx, warm)
	if err == nil {
		create.SnapshotID = w.SnapshotID
		resp, err = c.deps.Provisioner.Create(ctx, create)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.provisioning = false
	if c.closed {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Error("Sandbox provisioning failed", "error", err)
		c.failSandboxLocked(c.ctx, "provisioning failed: "+err.Error())
		return
	}

	c.sandbox.SetSandboxID(resp.SandboxID)
	if changed, err := c.sandbox.Transition(sandbox.StatusSpawning); err == nil && changed {
		c.broadcastLocked(protocol.SandboxStatusMessage(string(sandbox.StatusSpawning), ""), nil)
	}
	c.persistLocked(c.ctx)
	c.log.Info("Sandbox created", "sandboxId", resp.SandboxID, "snapshotId", create.SnapshotID)
}

// failSandboxLocked marks the sandbox failed, releases the active prompt and
// holds the next one until a retry brings the sandbox back.
func (c *Coordinator) failSandboxLocked(ctx context.Context, msg string) {
	c.flushTokensLocked(ctx)
	if !c.sandbox.Fail(msg) {
		return
	}
	c.broadcastLocked(protocol.SandboxStatusMessage(string(sandbox.StatusFailed), msg), nil)
	wasProcessing := c.isProcessingLocked()
	if released := c.queue.Active(); released != nil {
		c.queue.Fail()
		c.log.Warn("Prompt released by sandbox failure", "messageId", released.MessageID, "pending", c.queue.Pending())
	}
	if wasProcessing {
		c.broadcastLocked(protocol.ProcessingStatus(false), nil)
	}
	c.persistLocked(ctx)
}

// UpdateSandboxStatus applies a status reported by the sandbox or
// provisioner. Statuses outside the lifecycle are rejected.
func (c *Coordinator) UpdateSandboxStatus(ctx context.Context, status, errMsg string) error {
	to, err := sandbox.ParseStatus(status)
	if err != nil {
		return protocol.NewValidationError("invalid_status", err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.touchLocked()

	switch to {
	case sandbox.StatusFailed:
		if errMsg == "" {
			errMsg = "sandbox failed"
		}
		c.log.Warn("Sandbox reported failure", "error", errMsg)
		c.failSandboxLocked(ctx, errMsg)
		return nil
	case sandbox.StatusStopped:
		c.flushTokensLocked(ctx)
		changed, err := c.sandbox.Transition(to)
		if err != nil {
			return protocol.NewConflictError("invalid_transition", err.Error())
		}
		if changed {
			c.broadcastLocked(protocol.SandboxStatusMessage(status, ""), nil)
			wasProcessing := c.isProcessingLocked()
			if c.queue.Active() != nil {
				c.queue.Fail()
			}
			if wasProcessing {
				c.broadcastLocked(protocol.ProcessingStatus(false), nil)
			}
			c.persistLocked(ctx)
		}
		return nil
	}

	changed, err := c.sandbox.Transition(to)
	if err != nil {
		return protocol.NewConflictError("invalid_transition", err.Error())
	}
	if !changed {
		return nil
	}
	c.log.Info("Sandbox status changed", "status", to)
	c.broadcastLocked(protocol.SandboxStatusMessage(status, ""), nil)
	c.persistLocked(ctx)
	if to.Executable() {
		c.dispatchLocked(ctx)
	}
	return nil
}

// UpdatePorts merges ports reported by the sandbox, keyed by port number
// with the tunnel URL as value.
func (c *Coordinator) UpdatePorts(ctx context.Context, ports map[string]string) error {
	parsed := make(map[int]string, len(ports))
	for k, url := range ports {
		p, err := strconv.Atoi(k)
		if err != nil || p <= 0 || p > 65535 {
			return protocol.NewValidationError("invalid_port", "invalid port "+strconv.Quote(k))
		}
		parsed[p] = url
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.sandbox.AddPorts(parsed) {
		return nil
	}
	c.broadcastLocked(protocol.ActivePortsUpdated(c.sandbox.ActivePorts(), c.sandbox.TunnelURLs()), nil)
	c.persistLocked(ctx)
	return nil
}

// AttachSandbox installs the command link of a sandbox that dialed in. A
// sandbox that connects is ready unless it already reported otherwise; a
// held prompt is dispatched right away.
func (c *Coordinator) AttachSandbox(ctx context.Context, link sandbox.Commander) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sandbox.Status().Terminal() {
		return protocol.NewConflictError("sandbox_not_ready", "sandbox is "+string(c.sandbox.Status()))
	}
	c.link = link
	c.touchLocked()
	c.log.Info("Sandbox attached", "sandboxId", c.sandbox.SandboxID())
	if !c.sandbox.IsExecutable() {
		if changed, err := c.sandbox.Transition(sandbox.StatusReady); err == nil && changed {
			c.broadcastLocked(protocol.SandboxStatusMessage(string(sandbox.StatusReady), ""), nil)
			c.persistLocked(ctx)
		}
	}
	c.dispatchLocked(ctx)
	return nil
}

// DetachSandbox forgets link if it is the current one.
func (c *Coordinator) DetachSandbox(link sandbox.Commander) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == link {
		c.link = nil
		c.log.Info("Sandbox detached")
	}
}

// Retry returns a failed or stopped sandbox to pending and provisions a
// fresh one when anyone is connected.
func (c *Coordinator) Retry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.sandbox.Retry(); err != nil {
		return protocol.NewConflictError("invalid_transition", err.Error())
	}
	c.link = nil
	c.touchLocked()
	c.log.Info("Sandbox retry requested")
	c.broadcastLocked(protocol.SandboxStatusMessage(string(sandbox.StatusPending), ""), nil)
	c.persistLocked(ctx)
	if len(c.conns) > 0 || c.queue.Busy() {
		c.provisionLocked()
	}
	return nil
}

// Archive marks the session archived. Archived sessions refuse new
// admissions and prompts. Archiving twice is a no-op.
func (c *Coordinator) Archive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.meta.Status == protocol.SessionArchived {
		return nil
	}
	c.meta.Status = protocol.SessionArchived
	c.persistLocked(ctx)
	c.log.Info("Session archived")
	c.broadcastLocked(protocol.SessionStatusMessage(protocol.SessionArchived), nil)
	return nil
}
