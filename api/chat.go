package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/studyloop/studyloop/internal/identity"
	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/thread"
	"github.com/studyloop/studyloop/internal/toolset"
	"github.com/studyloop/studyloop/internal/turn"
)

// maxChatBody bounds the inbound request size.
const maxChatBody = 1024 * 1024

// Streamer runs one conversational turn. *turn.Service satisfies it.
type Streamer interface {
	Stream(ctx context.Context, caller identity.Identity, req turn.Request, emit turn.Emitter) error
}

// ChatHandler serves the streaming chat endpoint.
type ChatHandler struct {
	turns  Streamer
	logger log.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(turns Streamer, logger log.Logger) *ChatHandler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &ChatHandler{turns: turns, logger: logger}
}

// ChatRequest is the JSON body of one turn.
type ChatRequest struct {
	ThreadID *uuid.UUID  `json:"threadId,omitempty"`
	Message  ChatMessage `json:"message"`

	Model          string              `json:"model,omitempty"`
	ToolChoice     string              `json:"toolChoice,omitempty"`
	Mentions       []toolset.Mention   `json:"mentions,omitempty"`
	AllowedServers map[string][]string `json:"allowedServers,omitempty"`
	DefaultToolkit []string            `json:"defaultToolkit,omitempty"`
	AgentID        string              `json:"agentId,omitempty"`
}

// ChatMessage is the inbound user message.
type ChatMessage struct {
	ID    uuid.UUID     `json:"id"`
	Role  string        `json:"role"`
	Parts []thread.Part `json:"parts"`
}

// ErrorPayload is the SSE data payload of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stream handles POST /api/chat/stream. The whole turn is delivered as SSE
// events named after the event types of the turn stream; failures that
// reject the turn before it starts arrive as a single error event.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no identity in context")
		return
	}

	var req ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Message.Role != "" && req.Message.Role != string(thread.RoleUser) {
		writeError(w, http.StatusBadRequest, "invalid_request", "message role must be user")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	mode := toolset.Mode(req.ToolChoice)
	if mode == "" {
		mode = toolset.ModeAuto
	}

	err := h.turns.Stream(r.Context(), caller, turn.Request{
		ThreadID:       req.ThreadID,
		MessageID:      req.Message.ID,
		Parts:          req.Message.Parts,
		Model:          req.Model,
		ToolChoice:     mode,
		Mentions:       req.Mentions,
		AllowedServers: req.AllowedServers,
		DefaultToolkit: req.DefaultToolkit,
		AgentID:        req.AgentID,
	}, func(ev turn.Event) {
		if err := writeEvent(w, flusher, string(ev.Type), ev); err != nil {
			// Write failure usually means the client disconnected.
			h.logger.Debug("failed to write event", "error", err)
		}
	})
	if err != nil {
		h.streamError(w, flusher, err)
		return
	}
}

// streamError maps turn errors to SSE error events. Headers are already
// out by the time the service rejects, so the status lives in the payload.
func (h *ChatHandler) streamError(w io.Writer, f http.Flusher, err error) {
	code := "stream_error"
	switch {
	case errors.Is(err, turn.ErrForbidden):
		code = "forbidden"
	case errors.Is(err, turn.ErrThreadNotFound):
		code = "thread_not_found"
	case errors.Is(err, turn.ErrRateLimited):
		code = "rate_limited"
	case errors.Is(err, turn.ErrEmptyMessage):
		code = "empty_message"
	case errors.Is(err, turn.ErrPersist):
		code = "persist_failed"
	}

	h.logger.Error("turn rejected", "code", code, "error", err)
	_ = writeEvent(w, f, string(turn.EventError), ErrorPayload{
		Code:    code,
		Message: err.Error(),
	})
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
