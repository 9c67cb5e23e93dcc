package coordinator

import (
	"context"

	"github.com/workspace/session-coordinator/internal/aggregator"
	"github.com/workspace/session-coordinator/internal/eventlog"
	"github.com/workspace/session-coordinator/internal/notify"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/sandbox"
)

// Ingest applies one event reported by the sandbox. Token fragments are
// coalesced by the aggregator; every other event flushes buffered tokens
// first so stored order matches produced order.
func (c *Coordinator) Ingest(ctx context.Context, e protocol.SandboxEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Type == protocol.EventHeartbeat {
		return nil
	}
	c.touchLocked()

	if e.Type == protocol.EventToken {
		for _, f := range c.agg.Add(e.MessageID, e.Content) {
			c.emitTokenLocked(ctx, f)
		}
		return nil
	}

	c.flushTokensLocked(ctx)

	switch e.Type {
	case protocol.EventArtifact:
		return c.ingestArtifactLocked(ctx, e)
	case protocol.EventExecutionComplete:
		return c.ingestCompletionLocked(ctx, e)
	}

	appended, err := c.deps.Store.Append(ctx, c.id, e)
	if err != nil {
		c.log.Error("Failed to store sandbox event", "type", e.Type, "error", err)
		return err
	}
	if appended.Result == eventlog.Duplicate {
		return nil
	}
	c.broadcastLocked(protocol.SandboxEventMessage(appended.Event), nil)

	switch e.Type {
	case protocol.EventToolCall:
		c.trackQuestionLocked(appended.Event)
	case protocol.EventGitSync:
		if e.Branch != "" && e.Branch != c.meta.BranchName {
			c.meta.BranchName = e.Branch
			c.persistLocked(ctx)
		}
	}
	return nil
}

func (c *Coordinator) ingestArtifactLocked(ctx context.Context, e protocol.SandboxEvent) error {
	a := *e.Artifact
	if a.CreatedAt == 0 {
		a.CreatedAt = e.Timestamp
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = protocol.Timestamp(c.deps.Now())
	}
	stored, created, err := c.deps.Store.UpsertArtifact(ctx, c.id, a)
	if err != nil {
		c.log.Error("Failed to store artifact", "artifactId", a.ID, "error", err)
		return err
	}
	if created {
		c.broadcastLocked(protocol.ArtifactCreated(stored), nil)
	} else {
		c.broadcastLocked(protocol.ArtifactUpdated(stored), nil)
	}
	return nil
}

// ingestCompletionLocked ends the active prompt. Only the first delivery of
// a completion for a message has any effect.
func (c *Coordinator) ingestCompletionLocked(ctx context.Context, e protocol.SandboxEvent) error {
	appended, err := c.deps.Store.Append(ctx, c.id, e)
	if err != nil {
		c.log.Error("Failed to store completion", "messageId", e.MessageID, "error", err)
		return err
	}
	if appended.Result == eventlog.Duplicate {
		c.log.Debug("Ignoring duplicate completion", "messageId", e.MessageID)
		return nil
	}
	c.broadcastLocked(protocol.SandboxEventMessage(appended.Event), nil)
	c.agg.Reset()

	wasProcessing := c.isProcessingLocked()
	if active := c.queue.Active(); active != nil && active.MessageID == e.MessageID {
		c.queue.Complete(e.MessageID)
		if changed, err := c.sandbox.Transition(sandbox.StatusReady); err == nil && changed {
			c.broadcastLocked(protocol.SandboxStatusMessage(string(sandbox.StatusReady), ""), nil)
			c.persistLocked(ctx)
		}
	}

	success := e.Success == nil || *e.Success
	if c.deps.Notifier != nil {
		err := c.deps.Notifier.Enqueue(notify.Completion{
			SessionID: c.id,
			MessageID: e.MessageID,
			Success:   success,
			Timestamp: appended.Event.Timestamp,
		})
		if err != nil {
			c.log.Warn("Completion notification not queued", "messageId", e.MessageID, "error", err)
		}
	}
	c.log.Info("Execution complete", "messageId", e.MessageID, "success", success, "pending", c.queue.Pending())

	c.dispatchLocked(ctx)
	if wasProcessing && !c.isProcessingLocked() {
		c.broadcastLocked(protocol.ProcessingStatus(false), nil)
	}
	return nil
}

// flushTokensLocked stores and broadcasts whatever the aggregator holds.
func (c *Coordinator) flushTokensLocked(ctx context.Context) {
	if f, ok := c.agg.Flush(); ok {
		c.emitTokenLocked(ctx, f)
	}
}

func (c *Coordinator) emitTokenLocked(ctx context.Context, f aggregator.Flush) {
	appended, err := c.deps.Store.Append(ctx, c.id, protocol.SandboxEvent{
		Type:      protocol.EventToken,
		MessageID: f.MessageID,
		Content:   f.Content,
		Timestamp: protocol.Timestamp(c.deps.Now()),
	})
	if err != nil {
		c.log.Error("Failed to store token event", "messageId", f.MessageID, "error", err)
		return
	}
	c.broadcastLocked(protocol.SandboxEventMessage(appended.Event), nil)
}

func (c *Coordinator) onAggregatorIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.flushTokensLocked(c.ctx)
}
