package protocol

import "strings"

// DefaultModel is used when a prompt does not name one.
const DefaultModel = "claude-opus-4-5"

var knownModels = map[string]bool{
	"claude-opus-4-5":   true,
	"claude-sonnet-4-5": true,
	"claude-haiku-4-5":  true,
}

// KnownModels returns the accepted model identifiers.
func KnownModels() []string {
	out := make([]string, 0, len(knownModels))
	for id := range knownModels {
		out = append(out, id)
	}
	return out
}

// NormalizeModel resolves a requested model id. An empty id selects
// fallback (or DefaultModel when fallback is empty too).
func NormalizeModel(id, fallback string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		if fallback != "" {
			return fallback, nil
		}
		return DefaultModel, nil
	}
	if !knownModels[id] {
		return "", NewValidationError("invalid_model", "unknown model: "+id)
	}
	return id, nil
}

// EventCategory groups event types for consumers that summarise activity.
type EventCategory string

const (
	CategoryExecution EventCategory = "execution"
	CategoryGit       EventCategory = "git"
	CategoryArtifact  EventCategory = "artifact"
	CategorySystem    EventCategory = "system"
)

// CategoryOf returns the category of an event type.
func CategoryOf(t EventType) EventCategory {
	switch t {
	case EventToken, EventToolCall, EventToolResult, EventExecutionComplete, EventUserMessage:
		return CategoryExecution
	case EventGitSync:
		return CategoryGit
	case EventArtifact:
		return CategoryArtifact
	default:
		return CategorySystem
	}
}

// ShouldPersist reports whether an event type belongs in the event log.
func ShouldPersist(t EventType) bool {
	return t != EventHeartbeat
}
