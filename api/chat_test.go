package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/studyloop/internal/testutil"
	"github.com/studyloop/studyloop/internal/thread"
	"github.com/studyloop/studyloop/internal/toolset"
	"github.com/studyloop/studyloop/internal/turn"
)

func chatBody(t *testing.T, req ChatRequest) *strings.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return strings.NewReader(string(data))
}

func postChat(t *testing.T, fx *serverFixture, body *strings.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", body)
	req.Header.Set("Authorization", bearerToken(t, ana()))
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	return w
}

func TestChatStreamForwardsEvents(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t)

	msg := &thread.Message{
		ID:    uuid.New(),
		Role:  thread.RoleAssistant,
		Parts: []thread.Part{thread.NewTextPart("Paris.")},
	}
	fx.streams.events = []turn.Event{
		{Type: turn.EventTextDelta, Delta: "Par"},
		{Type: turn.EventTextDelta, Delta: "is."},
		{Type: turn.EventToolOutput, ToolCallID: "call-1", ToolName: "lookupA", Output: "x"},
		{Type: turn.EventDone, Message: msg, Metadata: &thread.Metadata{Model: "m"}},
	}

	w := postChat(t, fx, chatBody(t, ChatRequest{
		Message: ChatMessage{ID: uuid.New(), Role: "user", Parts: []thread.Part{thread.NewTextPart("capital of France?")}},
	}))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := testutil.ParseSSEEvents(t, w.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, "text-delta", events[0].Type)
	assert.Equal(t, "text-delta", events[1].Type)
	assert.Equal(t, "tool-output-available", events[2].Type)
	assert.Equal(t, "done", events[3].Type)
	assert.Contains(t, events[3].Data, "Paris.")
}

func TestChatStreamRequestMapping(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t)
	threadID := uuid.New()

	w := postChat(t, fx, chatBody(t, ChatRequest{
		ThreadID: &threadID,
		Message: ChatMessage{
			ID:    uuid.New(),
			Role:  "user",
			Parts: []thread.Part{thread.NewTextPart("hello")},
		},
		Model:          "googleai/gemini-2.5-flash",
		ToolChoice:     "manual",
		Mentions:       []toolset.Mention{{Server: "campus", Tool: "courseLookup"}},
		AllowedServers: map[string][]string{"campus": nil},
		AgentID:        "tutor",
	}))
	require.Equal(t, http.StatusOK, w.Code)

	got := fx.streams.gotReq
	require.NotNil(t, got)
	assert.Equal(t, threadID, *got.ThreadID)
	assert.Equal(t, toolset.ModeManual, got.ToolChoice)
	assert.Equal(t, "googleai/gemini-2.5-flash", got.Model)
	assert.Equal(t, "tutor", got.AgentID)
	assert.Len(t, got.Mentions, 1)
	assert.Equal(t, "u-ana", fx.streams.gotCaller.UserID)
}

func TestChatStreamDefaultsToolChoice(t *testing.T) {
	t.Parallel()
	fx := newServerFixture(t)

	w := postChat(t, fx, chatBody(t, ChatRequest{
		Message: ChatMessage{ID: uuid.New(), Parts: []thread.Part{thread.NewTextPart("hi")}},
	}))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, fx.streams.gotReq)
	assert.Equal(t, toolset.ModeAuto, fx.streams.gotReq.ToolChoice)
}

func TestChatStreamRejectsBadRequests(t *testing.T) {
	t.Parallel()

	t.Run("invalid body", func(t *testing.T) {
		t.Parallel()
		fx := newServerFixture(t)
		w := postChat(t, fx, strings.NewReader("{not json"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non-user role", func(t *testing.T) {
		t.Parallel()
		fx := newServerFixture(t)
		w := postChat(t, fx, chatBody(t, ChatRequest{
			Message: ChatMessage{ID: uuid.New(), Role: "assistant", Parts: []thread.Part{thread.NewTextPart("hi")}},
		}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no token", func(t *testing.T) {
		t.Parallel()
		fx := newServerFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader("{}"))
		w := httptest.NewRecorder()
		fx.handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestChatStreamErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"forbidden", turn.ErrForbidden, "forbidden"},
		{"not found", turn.ErrThreadNotFound, "thread_not_found"},
		{"rate limited", turn.ErrRateLimited, "rate_limited"},
		{"empty message", turn.ErrEmptyMessage, "empty_message"},
		{"persist failed", turn.ErrPersist, "persist_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fx := newServerFixture(t)
			fx.streams.err = tt.err

			w := postChat(t, fx, chatBody(t, ChatRequest{
				Message: ChatMessage{ID: uuid.New(), Parts: []thread.Part{thread.NewTextPart("hi")}},
			}))
			require.Equal(t, http.StatusOK, w.Code)

			events := testutil.ParseSSEEvents(t, w.Body.String())
			errEvent := testutil.FindEvent(events, "error")
			require.NotNil(t, errEvent)

			var payload ErrorPayload
			require.NoError(t, json.Unmarshal([]byte(errEvent.Data), &payload))
			assert.Equal(t, tt.code, payload.Code)
		})
	}
}
