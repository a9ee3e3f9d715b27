package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/studyloop/internal/identity"
	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/thread"
)

// defaultThreadListLimit bounds GET /api/threads.
const defaultThreadListLimit = 50

// ThreadReader is the slice of the thread store the handler reads from.
// *thread.Store satisfies it.
type ThreadReader interface {
	CreateThread(ctx context.Context, userID, title string) (*thread.Thread, error)
	ListThreads(ctx context.Context, userID string, limit int32) ([]*thread.Thread, error)
	GetThreadWithMessages(ctx context.Context, id uuid.UUID) (*thread.Thread, []*thread.Message, error)
}

// ThreadsHandler serves thread listing and retrieval.
type ThreadsHandler struct {
	store  ThreadReader
	logger log.Logger
}

// NewThreadsHandler creates a threads handler.
func NewThreadsHandler(store ThreadReader, logger log.Logger) *ThreadsHandler {
	if logger == nil {
		logger = log.NewNop()
	}
	return &ThreadsHandler{store: store, logger: logger}
}

// ThreadPayload is the JSON shape of a thread.
type ThreadPayload struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessagePayload is the JSON shape of a message.
type MessagePayload struct {
	ID        uuid.UUID        `json:"id"`
	Role      thread.Role      `json:"role"`
	Parts     []thread.Part    `json:"parts"`
	Metadata  *thread.Metadata `json:"metadata,omitempty"`
	Sequence  int32            `json:"sequence"`
	CreatedAt time.Time        `json:"createdAt"`
}

// ThreadDetail is the JSON body of GET /api/threads/{id}.
type ThreadDetail struct {
	ThreadPayload
	Messages []MessagePayload `json:"messages"`
}

// List handles GET /api/threads.
func (h *ThreadsHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no identity in context")
		return
	}

	threads, err := h.store.ListThreads(r.Context(), caller.UserID, defaultThreadListLimit)
	if err != nil {
		h.logger.Error("listing threads failed", "user_id", caller.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list threads")
		return
	}

	payload := make([]ThreadPayload, 0, len(threads))
	for _, t := range threads {
		payload = append(payload, toThreadPayload(t))
	}
	writeJSON(w, http.StatusOK, payload)
}

// Create handles POST /api/threads.
func (h *ThreadsHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no identity in context")
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	th, err := h.store.CreateThread(r.Context(), caller.UserID, body.Title)
	if err != nil {
		h.logger.Error("creating thread failed", "user_id", caller.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create thread")
		return
	}
	writeJSON(w, http.StatusCreated, toThreadPayload(th))
}

// Get handles GET /api/threads/{id}. Threads are private: a caller asking
// for someone else's thread gets 403.
func (h *ThreadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no identity in context")
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid thread id")
		return
	}

	th, messages, err := h.store.GetThreadWithMessages(r.Context(), id)
	if err != nil {
		if errors.Is(err, thread.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		h.logger.Error("loading thread failed", "thread_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load thread")
		return
	}
	if th.UserID != caller.UserID {
		writeError(w, http.StatusForbidden, "forbidden", "thread owned by another user")
		return
	}

	detail := ThreadDetail{
		ThreadPayload: toThreadPayload(th),
		Messages:      make([]MessagePayload, 0, len(messages)),
	}
	for _, m := range messages {
		detail.Messages = append(detail.Messages, MessagePayload{
			ID:        m.ID,
			Role:      m.Role,
			Parts:     m.Parts,
			Metadata:  m.Metadata,
			Sequence:  m.Sequence,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

func toThreadPayload(t *thread.Thread) ThreadPayload {
	return ThreadPayload{ID: t.ID, Title: t.Title, CreatedAt: t.CreatedAt}
}
