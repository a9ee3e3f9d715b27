package thread

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestToolStateTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state ToolState
		want  bool
	}{
		{ToolInputStreaming, false},
		{ToolInputAvailable, false},
		{ToolOutputAvailable, true},
		{ToolOutputError, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestPartResolve(t *testing.T) {
	t.Parallel()

	p := NewToolCallPart("courseLookup", "call-1", map[string]any{"code": "CS101"})
	if !p.Pending() {
		t.Fatal("fresh tool call should be pending")
	}

	p.Resolve(map[string]any{"title": "Intro to CS"})
	if p.State != ToolOutputAvailable {
		t.Fatalf("State = %s, want %s", p.State, ToolOutputAvailable)
	}
	if p.Pending() {
		t.Error("resolved part should not be pending")
	}

	// Terminal parts must be inert: a second resolution is a no-op.
	p.ResolveError("too late")
	if p.State != ToolOutputAvailable || p.ErrorText != "" {
		t.Errorf("terminal part mutated: state=%s errorText=%q", p.State, p.ErrorText)
	}
}

func TestPartResolveError(t *testing.T) {
	t.Parallel()

	p := NewToolCallPart("courseLookup", "call-2", nil)
	p.ResolveError("server unreachable")

	if p.State != ToolOutputError {
		t.Fatalf("State = %s, want %s", p.State, ToolOutputError)
	}
	if p.ErrorText != "server unreachable" {
		t.Errorf("ErrorText = %q", p.ErrorText)
	}

	p.Resolve("ignored")
	if p.State != ToolOutputError {
		t.Error("terminal error part must not transition")
	}
}

func TestTextPartNeverPending(t *testing.T) {
	t.Parallel()

	p := NewTextPart("hello")
	if p.Pending() {
		t.Error("text part reported pending")
	}
	p.Resolve("x")
	if p.Output != nil || p.State != "" {
		t.Error("Resolve mutated a text part")
	}
}

func TestMessagePendingToolCalls(t *testing.T) {
	t.Parallel()

	done := NewToolCallPart("a", "c-1", nil)
	done.Resolve("ok")

	msg := &Message{
		ID:   uuid.New(),
		Role: RoleAssistant,
		Parts: []Part{
			NewTextPart("let me check"),
			done,
			NewToolCallPart("b", "c-2", nil),
			{Type: PartToolCall, ToolName: "c", ToolCallID: "c-3", State: ToolInputStreaming},
		},
	}

	got := msg.PendingToolCalls()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("PendingToolCalls() = %v, want [2 3]", got)
	}
}

func TestMessageText(t *testing.T) {
	t.Parallel()

	msg := &Message{Parts: []Part{
		NewTextPart("first "),
		NewToolCallPart("a", "c-1", nil),
		NewTextPart("second"),
	}}
	if got := msg.Text(); got != "first second" {
		t.Errorf("Text() = %q", got)
	}
}

func TestPartJSONShape(t *testing.T) {
	t.Parallel()

	// Wire shape matters: the web client switches on "type" and "state".
	p := NewToolCallPart("courseLookup", "call-9", map[string]any{"code": "MA2"})
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`"type":"tool-call"`,
		`"toolName":"courseLookup"`,
		`"toolCallId":"call-9"`,
		`"state":"input-available"`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("JSON missing %s: %s", want, data)
		}
	}

	text := NewTextPart("hi")
	data, err = json.Marshal(text)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "toolName") || strings.Contains(string(data), "state") {
		t.Errorf("text part JSON carries tool fields: %s", data)
	}

	var back Part
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Type != PartText || back.Text != "hi" {
		t.Errorf("round trip: %+v", back)
	}
}

func TestDeriveTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "When is the algebra exam?", "When is the algebra exam?"},
		{"first line only", "Exam dates\nand some more detail", "Exam dates"},
		{"whitespace", "   \n\n", "New conversation"},
		{"empty", "", "New conversation"},
		{"truncated", strings.Repeat("a", 200), strings.Repeat("a", 79) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DeriveTitle(tt.in); got != tt.want {
				t.Errorf("DeriveTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
