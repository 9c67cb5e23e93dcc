package coordinator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/workspace/session-coordinator/internal/promptqueue"
	"github.com/workspace/session-coordinator/internal/protocol"
	"github.com/workspace/session-coordinator/internal/sandbox"
)

// PromptReceipt describes where a submitted prompt ended up.
type PromptReceipt struct {
	MessageID string
	// Queued is true when another prompt was active; Position is then the
	// 1-based place in the waiting line.
	Queued   bool
	Position int
}

// SubmitPrompt records a user prompt as a user_message event, broadcasts it
// and either dispatches it or queues it behind the active prompt. Prompts are
// refused outright until the sandbox is ready.
func (c *Coordinator) SubmitPrompt(ctx context.Context, h *Handle, content, model, correlationID string) (PromptReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexLocked(h) < 0 {
		return PromptReceipt{}, protocol.NewConflictError("not_subscribed", "connection is not admitted")
	}
	if c.meta.Status == protocol.SessionArchived {
		return PromptReceipt{}, protocol.NewConflictError("session_archived", "session is archived")
	}
	if strings.TrimSpace(content) == "" {
		return PromptReceipt{}, protocol.NewValidationError("invalid_message", "prompt requires content")
	}
	model, err := protocol.NormalizeModel(model, c.meta.Model)
	if err != nil {
		return PromptReceipt{}, err
	}
	if !c.sandbox.IsExecutable() {
		return PromptReceipt{}, protocol.NewConflictError("sandbox_not_ready", "sandbox is "+string(c.sandbox.Status()))
	}

	now := c.deps.Now()
	author := protocol.Author{
		ParticipantID: h.ParticipantID(),
		UserID:        h.Participant.UserID,
		Name:          h.Participant.Name,
		Avatar:        h.Participant.Avatar,
	}
	msg := protocol.SandboxEvent{
		Type:          protocol.EventUserMessage,
		Timestamp:     protocol.Timestamp(now),
		MessageID:     uuid.NewString(),
		Content:       content,
		Author:        &author,
		Model:         model,
		CorrelationID: correlationID,
	}
	appended, err := c.deps.Store.Append(ctx, c.id, msg)
	if err != nil {
		return PromptReceipt{}, protocol.NewConflictError("persist_failed", "prompt could not be recorded")
	}
	c.messageCount++
	c.touchLocked()
	c.tracker.Touch(h.ParticipantID(), now)
	c.broadcastLocked(protocol.SandboxEventMessage(appended.Event), nil)

	p := &promptqueue.Prompt{
		MessageID:   msg.MessageID,
		Content:     content,
		Model:       model,
		Author:      author,
		SubmittedAt: now,
	}
	started, position := c.queue.Submit(p)
	receipt := PromptReceipt{MessageID: p.MessageID, Queued: !started, Position: position}

	c.log.Info("Prompt submitted", "messageId", p.MessageID, "participantId", author.ParticipantID,
		"model", model, "queued", receipt.Queued, "position", position)

	if started {
		c.dispatchLocked(ctx)
	} else if c.indexLocked(h) >= 0 {
		c.sendLocked(h, protocol.PromptQueued(p.MessageID, position))
	}
	return receipt, nil
}

// dispatchLocked hands the active prompt to the sandbox when one is linked
// and executable. Otherwise the prompt stays held until the link comes back.
func (c *Coordinator) dispatchLocked(ctx context.Context) {
	p := c.queue.Active()
	if p == nil || p.Dispatched {
		return
	}
	if c.link == nil || !c.sandbox.IsExecutable() {
		c.log.Debug("Prompt held until sandbox is ready", "messageId", p.MessageID, "sandboxStatus", c.sandbox.Status())
		return
	}

	author := p.Author
	err := c.link.Send(sandbox.Command{
		Type:      sandbox.CommandPrompt,
		MessageID: p.MessageID,
		Content:   p.Content,
		Model:     p.Model,
		Author:    &author,
	})
	if err != nil {
		c.log.Warn("Prompt dispatch failed, holding until the sandbox reconnects", "messageId", p.MessageID, "error", err)
		c.link = nil
		return
	}
	p.Dispatched = true
	if changed, err := c.sandbox.Transition(sandbox.StatusRunning); err == nil && changed {
		c.broadcastLocked(protocol.SandboxStatusMessage(string(sandbox.StatusRunning), ""), nil)
		c.persistLocked(ctx)
	}
	c.log.Info("Prompt dispatched", "messageId", p.MessageID)
	c.broadcastLocked(protocol.ProcessingStatus(true), nil)
}

// releaseActiveLocked ends the active prompt without a completion event and
// moves on to the next one.
func (c *Coordinator) releaseActiveLocked(ctx context.Context) {
	wasProcessing := c.isProcessingLocked()
	if c.queue.Fail() == nil && c.sandbox.Status() == sandbox.StatusRunning {
		if _, err := c.sandbox.Transition(sandbox.StatusReady); err == nil {
			c.broadcastLocked(protocol.SandboxStatusMessage(string(sandbox.StatusReady), ""), nil)
		}
	}
	c.dispatchLocked(ctx)
	if wasProcessing && !c.isProcessingLocked() {
		c.broadcastLocked(protocol.ProcessingStatus(false), nil)
	}
}

// SubmitQuestionAnswer forwards answers for an open question to the sandbox.
func (c *Coordinator) SubmitQuestionAnswer(ctx context.Context, h *Handle, requestID string, answers [][]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexLocked(h) < 0 {
		return protocol.NewConflictError("not_subscribed", "connection is not admitted")
	}
	if requestID == "" || len(answers) == 0 {
		return protocol.NewValidationError("invalid_message", "question_answer requires requestId and answers")
	}
	q, ok := c.questions[requestID]
	if !ok {
		return protocol.NewConflictError("unknown_question", "no open question "+requestID)
	}
	if q.Resolved {
		return protocol.NewConflictError("question_resolved", "question "+requestID+" was already answered")
	}
	if c.link == nil {
		return protocol.NewSandboxError("sandbox is not connected", sandbox.ErrLinkUnavailable)
	}

	err := c.link.Send(sandbox.Command{
		Type:      sandbox.CommandQuestionAnswer,
		RequestID: requestID,
		Answers:   answers,
	})
	if err != nil {
		c.link = nil
		return protocol.NewSandboxError("answer could not be delivered", err)
	}
	q.Resolved = true
	q.Answers = answers
	c.touchLocked()
	c.log.Info("Question answered", "requestId", requestID, "participantId", h.ParticipantID())
	c.broadcastLocked(protocol.QuestionAnswerQueued(requestID, answers), nil)
	return nil
}

// OpenQuestions returns the unresolved questions.
func (c *Coordinator) OpenQuestions() []protocol.QuestionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.QuestionRequest
	for _, q := range c.questions {
		if !q.Resolved {
			out = append(out, *q)
		}
	}
	return out
}

func (c *Coordinator) trackQuestionLocked(e protocol.SandboxEvent) {
	q, ok := protocol.QuestionFromToolCall(e)
	if !ok {
		return
	}
	if existing, ok := c.questions[q.RequestID]; ok {
		if len(q.Questions) > 0 {
			existing.Questions = q.Questions
		}
		existing.Resolved = existing.Resolved || q.Resolved
		return
	}
	c.questions[q.RequestID] = &q
}

// RequestStop asks the sandbox to stop the active prompt. Buffered output is
// flushed first so nothing streamed before the stop is lost. The prompt
// itself ends when the sandbox reports execution_complete. An undispatched
// prompt is released immediately.
func (c *Coordinator) RequestStop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushTokensLocked(ctx)
	active := c.queue.Active()
	if active == nil {
		return nil
	}
	c.touchLocked()
	if active.Dispatched && c.link != nil {
		if err := c.link.Send(sandbox.Command{Type: sandbox.CommandStop, MessageID: active.MessageID}); err == nil {
			c.log.Info("Stop requested", "messageId", active.MessageID)
			return nil
		}
		c.link = nil
	}
	c.log.Info("Releasing prompt without sandbox", "messageId", active.MessageID)
	c.releaseActiveLocked(ctx)
	return nil
}
