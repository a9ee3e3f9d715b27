// Package thread defines the conversation data model and its PostgreSQL
// store: threads, append-only messages, and the typed message parts the
// streaming core produces.
package thread

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the Part union in JSON.
type PartType string

const (
	// PartText is plain text content.
	PartText PartType = "text"

	// PartToolCall is a tool invocation with its own lifecycle state.
	PartToolCall PartType = "tool-call"

	// PartFile is an attachment reference. Immutable once appended and
	// opaque to the orchestration core.
	PartFile PartType = "file"
)

// ToolState is the lifecycle state of a tool-call part.
//
// Transitions: input-streaming → input-available → output-available | output-error.
// Only the first two states are non-terminal; a message whose tool parts are
// all terminal is immutable.
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

// Terminal reports whether the state is final.
func (s ToolState) Terminal() bool {
	return s == ToolOutputAvailable || s == ToolOutputError
}

// Part is one typed fragment of a message. The Type field selects which of
// the remaining fields are meaningful; unused fields stay empty in JSON.
type Part struct {
	Type PartType `json:"type"`

	// Text content (PartText).
	Text string `json:"text,omitempty"`

	// Tool call fields (PartToolCall).
	ToolName   string    `json:"toolName,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	State      ToolState `json:"state,omitempty"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	ErrorText  string    `json:"errorText,omitempty"`

	// Attachment fields (PartFile).
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
}

// NewTextPart creates a text part.
func NewTextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// NewToolCallPart creates a tool-call part in the input-available state,
// the state a call is in the moment the model has fully specified it.
func NewToolCallPart(toolName, callID string, input any) Part {
	return Part{
		Type:       PartToolCall,
		ToolName:   toolName,
		ToolCallID: callID,
		State:      ToolInputAvailable,
		Input:      input,
	}
}

// IsToolCall reports whether the part is a tool invocation.
func (p Part) IsToolCall() bool {
	return p.Type == PartToolCall
}

// Pending reports whether the part is a tool call still in a non-terminal
// state. Pending parts are what the resumable executor picks up.
func (p Part) Pending() bool {
	return p.Type == PartToolCall && !p.State.Terminal()
}

// Resolve transitions a tool-call part to output-available with the given
// output. No-op for parts already in a terminal state.
func (p *Part) Resolve(output any) {
	if p.Type != PartToolCall || p.State.Terminal() {
		return
	}
	p.State = ToolOutputAvailable
	p.Output = output
	p.ErrorText = ""
}

// ResolveError transitions a tool-call part to output-error with a message.
// No-op for parts already in a terminal state.
func (p *Part) ResolveError(msg string) {
	if p.Type != PartToolCall || p.State.Terminal() {
		return
	}
	p.State = ToolOutputError
	p.ErrorText = msg
	p.Output = nil
}

// Metadata is attached to an assistant message once, at stream completion.
type Metadata struct {
	Model        string `json:"model"`
	ToolChoice   string `json:"toolChoice"`
	ToolCount    int    `json:"toolCount"`
	AgentID      string `json:"agentId,omitempty"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	TotalTokens  int    `json:"totalTokens"`
}

// Message is one entry in a thread's append-only log.
type Message struct {
	ID        uuid.UUID
	ThreadID  uuid.UUID
	Role      Role
	Parts     []Part
	Metadata  *Metadata
	Sequence  int32
	CreatedAt time.Time
}

// PendingToolCalls returns the indices of tool-call parts still in a
// non-terminal state.
func (m *Message) PendingToolCalls() []int {
	var idx []int
	for i, p := range m.Parts {
		if p.Pending() {
			idx = append(idx, i)
		}
	}
	return idx
}

// Text concatenates all text parts of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Thread is one conversation owned by a user.
type Thread struct {
	ID        uuid.UUID
	UserID    string
	Title     string
	CreatedAt time.Time
}

// maxTitleLen bounds titles derived from the first user message.
const maxTitleLen = 80

// DeriveTitle produces a thread title from the first user message: the
// first line, trimmed and truncated on a rune boundary.
func DeriveTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "New conversation"
	}
	runes := []rune(line)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen-1]) + "…"
	}
	return line
}
