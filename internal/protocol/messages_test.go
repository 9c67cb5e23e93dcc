package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClientMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		wantType ClientMessageType
		wantCode string
	}{
		{name: "subscribe", in: `{"type":"subscribe","token":"t","clientId":"c"}`, wantType: MsgSubscribe},
		{name: "subscribe without token", in: `{"type":"subscribe"}`, wantCode: "invalid_message"},
		{name: "prompt", in: `{"type":"prompt","content":"fix bug","model":"claude-haiku-4-5"}`, wantType: MsgPrompt},
		{name: "blank prompt", in: `{"type":"prompt","content":"   "}`, wantCode: "invalid_message"},
		{name: "answer", in: `{"type":"question_answer","requestId":"q1","answers":[["yes"]]}`, wantType: MsgQuestionAnswer},
		{name: "answer without answers", in: `{"type":"question_answer","requestId":"q1"}`, wantCode: "invalid_message"},
		{name: "answer without id", in: `{"type":"question_answer","answers":[["a"]]}`, wantCode: "invalid_message"},
		{name: "stop", in: `{"type":"stop"}`, wantType: MsgStop},
		{name: "typing", in: `{"type":"typing"}`, wantType: MsgTyping},
		{name: "ping", in: `{"type":"ping"}`, wantType: MsgPing},
		{name: "unknown", in: `{"type":"dance"}`, wantCode: "unknown_message_type"},
		{name: "missing type", in: `{}`, wantCode: "invalid_message"},
		{name: "garbage", in: `not json`, wantCode: "invalid_message"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			msg, err := DecodeClientMessage([]byte(tc.in))
			if tc.wantCode != "" {
				pe, ok := AsError(err)
				if !ok {
					t.Fatalf("DecodeClientMessage(%s) error = %v, want protocol error", tc.in, err)
				}
				if pe.Kind != KindValidation || pe.Code != tc.wantCode {
					t.Fatalf("error = %s/%s, want validation/%s", pe.Kind, pe.Code, tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeClientMessage(%s) unexpected error: %v", tc.in, err)
			}
			if msg.Type != tc.wantType {
				t.Fatalf("type = %s, want %s", msg.Type, tc.wantType)
			}
		})
	}
}

func TestServerMessageFlattensPayload(t *testing.T) {
	t.Parallel()

	data, err := Encode(ProcessingStatus(false))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "processing_status" {
		t.Fatalf("type = %v", got["type"])
	}
	v, present := got["isProcessing"]
	if !present || v != false {
		t.Fatalf("isProcessing = %v (present=%v), want explicit false", v, present)
	}
}

func TestSandboxStatusMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		want   ServerMessageType
	}{
		{"warming", MsgSandboxWarming},
		{"spawning", MsgSandboxSpawning},
		{"ready", MsgSandboxReady},
		{"failed", MsgSandboxError},
		{"syncing", MsgSandboxStatus},
		{"running", MsgSandboxStatus},
		{"stopped", MsgSandboxStatus},
	}
	for _, tc := range tests {
		if got := SandboxStatusMessage(tc.status, "").Type; got != tc.want {
			t.Errorf("SandboxStatusMessage(%q) = %s, want %s", tc.status, got, tc.want)
		}
	}

	in, err := DecodeServerMessage(mustEncode(t, SandboxStatusMessage("failed", "boom")))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Error != "boom" {
		t.Fatalf("error = %q, want boom", in.Error)
	}
}

func TestPresenceMessagesNeverEncodeNull(t *testing.T) {
	t.Parallel()

	data := mustEncode(t, PresenceSync(nil))
	if string(data) != `{"participants":[],"type":"presence_sync"}` {
		t.Fatalf("presence_sync = %s", data)
	}
}

func TestErrorMessageHidesInternalErrors(t *testing.T) {
	t.Parallel()

	in, err := DecodeServerMessage(mustEncode(t, ErrorMessage(errors.New("db path /var/x"))))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if in.Code != "internal_error" || in.Message != "internal error" {
		t.Fatalf("got %s/%s", in.Code, in.Message)
	}

	in, _ = DecodeServerMessage(mustEncode(t, ErrorMessage(NewConflictError("sandbox_not_ready", "sandbox is warming"))))
	if in.Code != "sandbox_not_ready" || in.Message != "sandbox is warming" {
		t.Fatalf("got %s/%s", in.Code, in.Message)
	}
}

func TestCloseCodeFor(t *testing.T) {
	t.Parallel()

	if got := CloseCodeFor(NewAuthError(CodeAuthRequired, "bad token")); got != CloseAuthRequired {
		t.Fatalf("auth_required close = %d", got)
	}
	if got := CloseCodeFor(NewAuthError(CodeSessionExpired, "archived")); got != CloseSessionExpired {
		t.Fatalf("session_expired close = %d", got)
	}
	if got := CloseCodeFor(NewConflictError("x", "y")); got != 0 {
		t.Fatalf("conflict close = %d, want 0", got)
	}
}

func TestQuestionFromToolCall(t *testing.T) {
	t.Parallel()

	e := SandboxEvent{
		Type:   EventToolCall,
		Tool:   "question",
		CallID: "call-1",
		Status: "running",
		Args: map[string]interface{}{
			"id": "req-9",
			"questions": []interface{}{
				map[string]interface{}{
					"question": "Which DB?",
					"options":  []interface{}{map[string]interface{}{"label": "sqlite"}},
					"multiple": true,
				},
			},
		},
	}
	q, ok := QuestionFromToolCall(e)
	if !ok {
		t.Fatal("expected question")
	}
	if q.RequestID != "req-9" || q.CallID != "call-1" || q.Resolved {
		t.Fatalf("unexpected question %+v", q)
	}
	if len(q.Questions) != 1 || q.Questions[0].Options[0].Label != "sqlite" || !q.Questions[0].Multiple {
		t.Fatalf("questions = %+v", q.Questions)
	}

	e.Tool = "bash"
	if _, ok := QuestionFromToolCall(e); ok {
		t.Fatal("bash tool must not produce a question")
	}
}

func TestNormalizeModel(t *testing.T) {
	t.Parallel()

	if got, err := NormalizeModel("", ""); err != nil || got != DefaultModel {
		t.Fatalf("NormalizeModel empty = %q, %v", got, err)
	}
	if got, err := NormalizeModel("", "claude-haiku-4-5"); err != nil || got != "claude-haiku-4-5" {
		t.Fatalf("NormalizeModel fallback = %q, %v", got, err)
	}
	if _, err := NormalizeModel("gpt-2", ""); !IsKind(err, KindValidation) {
		t.Fatalf("unknown model error = %v", err)
	}
}

func TestCategoryOf(t *testing.T) {
	t.Parallel()

	if CategoryOf(EventGitSync) != CategoryGit || CategoryOf(EventArtifact) != CategoryArtifact ||
		CategoryOf(EventToolCall) != CategoryExecution || CategoryOf(EventHeartbeat) != CategorySystem {
		t.Fatal("unexpected category mapping")
	}
	if ShouldPersist(EventHeartbeat) || !ShouldPersist(EventToken) {
		t.Fatal("unexpected persistence rule")
	}
}

func TestSandboxEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event SandboxEvent
		ok    bool
	}{
		{name: "no type", event: SandboxEvent{CallID: "c1"}},
		{name: "token without message", event: SandboxEvent{Type: EventToken, Content: "hi"}},
		{name: "token", event: SandboxEvent{Type: EventToken, MessageID: "m1"}, ok: true},
		{name: "completion without message", event: SandboxEvent{Type: EventExecutionComplete}},
		{name: "artifact without id", event: SandboxEvent{Type: EventArtifact, Artifact: &Artifact{Type: ArtifactPR}}},
		{name: "artifact", event: SandboxEvent{Type: EventArtifact, Artifact: &Artifact{ID: "a1"}}, ok: true},
		{name: "git sync", event: SandboxEvent{Type: EventGitSync}, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !IsKind(err, KindValidation) {
				t.Fatalf("Validate() = %v, want a validation error", err)
			}
		})
	}
}

func mustEncode(t *testing.T, m ServerMessage) []byte {
	t.Helper()
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}
