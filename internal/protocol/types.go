// Package protocol defines the session data model and the WebSocket wire
// protocol spoken between the coordinator and its clients.
package protocol

import (
	"encoding/json"
	"time"
)

// EventType discriminates SandboxEvent records.
type EventType string

const (
	EventToken             EventType = "token"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventUserMessage       EventType = "user_message"
	EventExecutionComplete EventType = "execution_complete"
	EventGitSync           EventType = "git_sync"
	EventArtifact          EventType = "artifact"
	EventError             EventType = "error"
	EventHeartbeat         EventType = "heartbeat"
)

// SessionStatus is the archival state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// ParticipantStatus is the liveness of a participant.
type ParticipantStatus string

const (
	ParticipantActive ParticipantStatus = "active"
	ParticipantIdle   ParticipantStatus = "idle"
	ParticipantAway   ParticipantStatus = "away"
)

// Rank orders statuses from most to least present.
func (s ParticipantStatus) Rank() int {
	switch s {
	case ParticipantActive:
		return 0
	case ParticipantIdle:
		return 1
	default:
		return 2
	}
}

// Author identifies the participant a user_message came from.
type Author struct {
	ParticipantID string `json:"participantId"`
	UserID        string `json:"userId,omitempty"`
	Name          string `json:"name,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
}

// SandboxEvent is one entry of the session event stream.
//
// Token events carry the cumulative text of a message in Content. Args and
// Metadata are kept as generic maps because their shape depends on the tool.
type SandboxEvent struct {
	ID        string                 `json:"id,omitempty"`
	Type      EventType              `json:"type"`
	Timestamp float64                `json:"timestamp"`
	MessageID string                 `json:"messageId,omitempty"`
	CallID    string                 `json:"callId,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Output    string                 `json:"output,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Success   *bool                  `json:"success,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Author    *Author                `json:"author,omitempty"`
	Model     string                 `json:"model,omitempty"`
	SHA       string                 `json:"sha,omitempty"`
	Branch    string                 `json:"branch,omitempty"`
	Artifact  *Artifact              `json:"artifact,omitempty"`

	// CorrelationID echoes the client-chosen id of the prompt that produced
	// a user_message.
	CorrelationID string `json:"correlationId,omitempty"`
}

// Clone returns a copy whose maps can be mutated independently.
func (e SandboxEvent) Clone() SandboxEvent {
	out := e
	out.Args = cloneMap(e.Args)
	out.Metadata = cloneMap(e.Metadata)
	if e.Success != nil {
		v := *e.Success
		out.Success = &v
	}
	if e.Author != nil {
		a := *e.Author
		out.Author = &a
	}
	if e.Artifact != nil {
		a := *e.Artifact
		a.Metadata = cloneMap(e.Artifact.Metadata)
		out.Artifact = &a
	}
	return out
}

// Validate checks the fields an event needs before it can be ingested.
func (e SandboxEvent) Validate() error {
	switch {
	case e.Type == "":
		return NewValidationError("invalid_event", "event type is required")
	case e.Type == EventToken && e.MessageID == "":
		return NewValidationError("invalid_event", "token event requires messageId")
	case e.Type == EventExecutionComplete && e.MessageID == "":
		return NewValidationError("invalid_event", "execution_complete requires messageId")
	case e.Type == EventArtifact && (e.Artifact == nil || e.Artifact.ID == ""):
		return NewValidationError("invalid_event", "artifact event requires an artifact with an id")
	}
	return nil
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Timestamp returns the current time in the fractional-seconds form used on
// the wire.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// ArtifactType is the kind of externally visible result.
type ArtifactType string

const (
	ArtifactPR      ArtifactType = "pr"
	ArtifactBranch  ArtifactType = "branch"
	ArtifactPreview ArtifactType = "preview"
)

// Artifact is an externally visible result produced by the sandbox.
type Artifact struct {
	ID        string                 `json:"id"`
	Type      ArtifactType           `json:"type"`
	URL       string                 `json:"url,omitempty"`
	Label     string                 `json:"label,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt float64                `json:"createdAt,omitempty"`
}

// Participant is one connected identity within a session.
type Participant struct {
	ParticipantID string            `json:"participantId"`
	UserID        string            `json:"userId"`
	Name          string            `json:"name"`
	Avatar        string            `json:"avatar,omitempty"`
	Status        ParticipantStatus `json:"status"`
	LastSeen      float64           `json:"lastSeen"`
}

// QuestionOption is one selectable answer of a sub-question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionInfo is one sub-question of a QuestionRequest.
type QuestionInfo struct {
	Question string           `json:"question"`
	Header   string           `json:"header,omitempty"`
	Options  []QuestionOption `json:"options"`
	Multiple bool             `json:"multiple,omitempty"`
	Custom   bool             `json:"custom,omitempty"`
}

// QuestionRequest is a question raised by the agent that participants answer.
type QuestionRequest struct {
	RequestID string         `json:"requestId"`
	CallID    string         `json:"callId"`
	Questions []QuestionInfo `json:"questions"`
	Answers   [][]string     `json:"answers,omitempty"`
	Resolved  bool           `json:"resolved"`
}

// QuestionFromToolCall extracts a QuestionRequest from a tool_call event of
// the "question" tool. ok is false for any other event.
func QuestionFromToolCall(e SandboxEvent) (QuestionRequest, bool) {
	if e.Type != EventToolCall || !isQuestionTool(e.Tool) {
		return QuestionRequest{}, false
	}
	q := QuestionRequest{CallID: e.CallID, RequestID: e.CallID}
	if id, ok := e.Args["id"].(string); ok && id != "" {
		q.RequestID = id
	}
	if raw, ok := e.Args["questions"]; ok {
		// args arrive as generic JSON; round-trip to get typed questions
		if data, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(data, &q.Questions)
		}
	}
	if q.RequestID == "" {
		return QuestionRequest{}, false
	}
	q.Resolved = e.Status == "completed"
	return q, true
}

func isQuestionTool(name string) bool {
	switch name {
	case "question", "Question", "AskUserQuestion":
		return true
	}
	return false
}

// SessionState is the snapshot of a session sent to newly admitted clients.
type SessionState struct {
	ID            string            `json:"id"`
	Title         string            `json:"title,omitempty"`
	RepoOwner     string            `json:"repoOwner,omitempty"`
	RepoName      string            `json:"repoName,omitempty"`
	BranchName    string            `json:"branchName,omitempty"`
	Status        SessionStatus     `json:"status"`
	SandboxStatus string            `json:"sandboxStatus"`
	MessageCount  int               `json:"messageCount"`
	CreatedAt     float64           `json:"createdAt"`
	Model         string            `json:"model,omitempty"`
	IsProcessing  bool              `json:"isProcessing"`
	ActivePorts   []int             `json:"activePorts"`
	TunnelURLs    map[string]string `json:"tunnelUrls,omitempty"`
}
