// Package turn drives one conversational turn end to end: resolving the
// tool set, repairing tool calls left pending by an interrupted prior turn,
// streaming the model call while executing requested tools, persisting the
// resulting messages and recording memory.
package turn

import "github.com/studyloop/studyloop/internal/thread"

// EventType discriminates the events emitted while a turn streams.
type EventType string

const (
	// EventTextDelta carries an incremental chunk of assistant text.
	EventTextDelta EventType = "text-delta"

	// EventToolInput announces a tool call the model requested, with its
	// full input payload.
	EventToolInput EventType = "tool-input-available"

	// EventToolOutput carries a finished tool call's output.
	EventToolOutput EventType = "tool-output-available"

	// EventToolError carries a failed tool call's error text.
	EventToolError EventType = "tool-output-error"

	// EventError is the terminal event for a model-level failure. Output
	// accumulated before the failure is still persisted.
	EventError EventType = "error"

	// EventDone is the terminal event of a successful turn, carrying the
	// finished assistant message and its metadata.
	EventDone EventType = "done"
)

// Event is one element of the ordered output stream for a turn. Exactly one
// terminal event (done or error) ends every stream.
type Event struct {
	Type EventType `json:"type"`

	Delta string `json:"delta,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Input      any    `json:"input,omitempty"`
	Output     any    `json:"output,omitempty"`
	ErrorText  string `json:"errorText,omitempty"`

	Message  *thread.Message  `json:"message,omitempty"`
	Metadata *thread.Metadata `json:"metadata,omitempty"`
}

// Emitter receives events in stream order. Implementations must be safe to
// call from the turn's goroutine only; the turn serializes all emissions.
type Emitter func(Event)
