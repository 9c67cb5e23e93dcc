package protocol

import (
	"encoding/json"
	"strings"
)

// ClientMessageType identifies messages sent by clients.
type ClientMessageType string

const (
	MsgSubscribe      ClientMessageType = "subscribe"
	MsgPrompt         ClientMessageType = "prompt"
	MsgQuestionAnswer ClientMessageType = "question_answer"
	MsgStop           ClientMessageType = "stop"
	MsgTyping         ClientMessageType = "typing"
	MsgPing           ClientMessageType = "ping"
)

// ServerMessageType identifies messages sent by the coordinator.
type ServerMessageType string

const (
	MsgSubscribed           ServerMessageType = "subscribed"
	MsgPromptQueued         ServerMessageType = "prompt_queued"
	MsgSandboxEvent         ServerMessageType = "sandbox_event"
	MsgPresenceSync         ServerMessageType = "presence_sync"
	MsgPresenceUpdate       ServerMessageType = "presence_update"
	MsgPresenceLeave        ServerMessageType = "presence_leave"
	MsgSandboxWarming       ServerMessageType = "sandbox_warming"
	MsgSandboxSpawning      ServerMessageType = "sandbox_spawning"
	MsgSandboxReady         ServerMessageType = "sandbox_ready"
	MsgSandboxStatus        ServerMessageType = "sandbox_status"
	MsgSandboxError         ServerMessageType = "sandbox_error"
	MsgArtifactCreated      ServerMessageType = "artifact_created"
	MsgArtifactUpdated      ServerMessageType = "artifact_updated"
	MsgSessionStatus        ServerMessageType = "session_status"
	MsgProcessingStatus     ServerMessageType = "processing_status"
	MsgActivePortsUpdated   ServerMessageType = "active_ports_updated"
	MsgHistoryComplete      ServerMessageType = "history_complete"
	MsgQuestionAnswerQueued ServerMessageType = "question_answer_queued"
	MsgQuestionAnswerError  ServerMessageType = "question_answer_error"
	MsgPong                 ServerMessageType = "pong"
	MsgError                ServerMessageType = "error"
)

// Close codes sent when the coordinator ends a connection.
const (
	// CloseAuthRequired tells the client to discard its cached token and
	// re-authenticate before reconnecting.
	CloseAuthRequired = 4001
	// CloseSessionExpired tells the client a fresh admission flow is needed.
	CloseSessionExpired = 4002
	// CloseGoingAway is sent when the coordinator shuts down.
	CloseGoingAway = 1001
)

// ClientMessage is a decoded client->server message. Only the fields that
// belong to Type are populated.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	Token     string            `json:"token,omitempty"`
	ClientID  string            `json:"clientId,omitempty"`
	Content   string            `json:"content,omitempty"`
	Model     string            `json:"model,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Answers   [][]string        `json:"answers,omitempty"`

	// CorrelationID is chosen by the client for a prompt and echoed on the
	// resulting user_message so an optimistic local echo can be replaced.
	CorrelationID string `json:"correlationId,omitempty"`
}

// DecodeClientMessage parses and validates a client frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, NewValidationError("invalid_message", "message is not valid JSON")
	}

	switch msg.Type {
	case MsgSubscribe:
		if strings.TrimSpace(msg.Token) == "" {
			return msg, NewValidationError("invalid_message", "subscribe requires a token")
		}
	case MsgPrompt:
		if strings.TrimSpace(msg.Content) == "" {
			return msg, NewValidationError("invalid_message", "prompt requires content")
		}
	case MsgQuestionAnswer:
		if msg.RequestID == "" {
			return msg, NewValidationError("invalid_message", "question_answer requires requestId")
		}
		if len(msg.Answers) == 0 {
			return msg, NewValidationError("invalid_message", "question_answer requires answers")
		}
	case MsgStop, MsgTyping, MsgPing:
	case "":
		return msg, NewValidationError("invalid_message", "message type is required")
	default:
		return msg, NewValidationError("unknown_message_type", "unknown message type: "+string(msg.Type))
	}
	return msg, nil
}

// ServerMessage is a coordinator->client frame. Payload keys are flattened
// next to "type" when encoded.
type ServerMessage struct {
	Type    ServerMessageType
	Payload map[string]interface{}
}

// MarshalJSON flattens the payload beside the type field.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Payload)+1)
	for k, v := range m.Payload {
		out[k] = v
	}
	out["type"] = string(m.Type)
	return json.Marshal(out)
}

// Encode marshals a server message. Payloads are built from plain data so
// marshalling cannot fail in practice; errors are still returned.
func Encode(m ServerMessage) ([]byte, error) {
	return json.Marshal(m)
}

func newMessage(t ServerMessageType, kv ...interface{}) ServerMessage {
	payload := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		payload[kv[i].(string)] = kv[i+1]
	}
	return ServerMessage{Type: t, Payload: payload}
}

func Subscribed(state SessionState, participant Participant) ServerMessage {
	return newMessage(MsgSubscribed, "state", state, "participantId", participant.ParticipantID, "participant", participant)
}

func PromptQueued(messageID string, position int) ServerMessage {
	return newMessage(MsgPromptQueued, "messageId", messageID, "position", position)
}

func SandboxEventMessage(e SandboxEvent) ServerMessage {
	return newMessage(MsgSandboxEvent, "event", e)
}

func PresenceSync(participants []Participant) ServerMessage {
	return newMessage(MsgPresenceSync, "participants", nonNilParticipants(participants))
}

func PresenceUpdate(participants []Participant) ServerMessage {
	return newMessage(MsgPresenceUpdate, "participants", nonNilParticipants(participants))
}

func PresenceLeave(userID string) ServerMessage {
	return newMessage(MsgPresenceLeave, "userId", userID)
}

// SandboxStatusMessage maps a sandbox status to the most specific message
// kind clients understand.
func SandboxStatusMessage(status, errMsg string) ServerMessage {
	switch status {
	case "warming":
		return newMessage(MsgSandboxWarming)
	case "spawning":
		return newMessage(MsgSandboxSpawning)
	case "ready":
		return newMessage(MsgSandboxReady)
	case "failed":
		if errMsg == "" {
			errMsg = "sandbox failed"
		}
		return newMessage(MsgSandboxError, "error", errMsg)
	default:
		return newMessage(MsgSandboxStatus, "status", status)
	}
}

func ArtifactCreated(a Artifact) ServerMessage {
	return newMessage(MsgArtifactCreated, "artifact", a)
}

func ArtifactUpdated(a Artifact) ServerMessage {
	return newMessage(MsgArtifactUpdated, "artifact", a)
}

func SessionStatusMessage(status SessionStatus) ServerMessage {
	return newMessage(MsgSessionStatus, "status", status)
}

func ProcessingStatus(isProcessing bool) ServerMessage {
	return newMessage(MsgProcessingStatus, "isProcessing", isProcessing)
}

func ActivePortsUpdated(ports []int, tunnelURLs map[string]string) ServerMessage {
	if ports == nil {
		ports = []int{}
	}
	return newMessage(MsgActivePortsUpdated, "activePorts", ports, "tunnelUrls", tunnelURLs)
}

func HistoryComplete() ServerMessage {
	return newMessage(MsgHistoryComplete)
}

func QuestionAnswerQueued(requestID string, answers [][]string) ServerMessage {
	return newMessage(MsgQuestionAnswerQueued, "requestId", requestID, "answers", answers)
}

func QuestionAnswerError(requestID, message string) ServerMessage {
	return newMessage(MsgQuestionAnswerError, "requestId", requestID, "error", message)
}

func Pong(ts float64) ServerMessage {
	return newMessage(MsgPong, "timestamp", ts)
}

// ErrorMessage builds an error reply. Non-protocol errors are reported with
// a generic code so internal details do not leak to clients.
func ErrorMessage(err error) ServerMessage {
	code, message := "internal_error", "internal error"
	if pe, ok := AsError(err); ok {
		code, message = pe.Code, pe.Message
	}
	return newMessage(MsgError, "code", code, "message", message)
}

func nonNilParticipants(p []Participant) []Participant {
	if p == nil {
		return []Participant{}
	}
	return p
}

// Incoming is the client-side view of any server frame.
type Incoming struct {
	Type          ServerMessageType `json:"type"`
	State         *SessionState     `json:"state,omitempty"`
	ParticipantID string            `json:"participantId,omitempty"`
	Participant   *Participant      `json:"participant,omitempty"`
	Participants  []Participant     `json:"participants,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	Event         *SandboxEvent     `json:"event,omitempty"`
	Artifact      *Artifact         `json:"artifact,omitempty"`
	Status        string            `json:"status,omitempty"`
	Error         string            `json:"error,omitempty"`
	IsProcessing  *bool             `json:"isProcessing,omitempty"`
	ActivePorts   []int             `json:"activePorts,omitempty"`
	RequestID     string            `json:"requestId,omitempty"`
	MessageID     string            `json:"messageId,omitempty"`
	Position      int               `json:"position,omitempty"`
	Code          string            `json:"code,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// DecodeServerMessage parses a server frame on the client side.
func DecodeServerMessage(data []byte) (Incoming, error) {
	var in Incoming
	if err := json.Unmarshal(data, &in); err != nil {
		return Incoming{}, err
	}
	return in, nil
}
