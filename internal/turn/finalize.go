package turn

import (
	"context"
	"fmt"

	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/thread"
)

// MessageStore is the slice of the thread store the finalizer writes
// through. *thread.Store satisfies it.
type MessageStore interface {
	UpsertMessage(ctx context.Context, msg *thread.Message) error
}

// Finalizer commits a turn's messages. Insert-or-replace by message id is
// what keeps resumption consistent with storage: a resubmitted user message
// or a repaired assistant message lands on its existing row instead of
// duplicating it.
type Finalizer struct {
	store  MessageStore
	logger log.Logger
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(store MessageStore, logger log.Logger) *Finalizer {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Finalizer{store: store, logger: logger}
}

// Finalize normalizes the assistant message's parts and commits both
// messages of the turn. Failures here are the one fatal error class; a
// lost write would leave the thread inconsistent with what the user saw.
func (f *Finalizer) Finalize(ctx context.Context, userMsg, assistantMsg *thread.Message) error {
	assistantMsg.Parts = Normalize(assistantMsg.Parts)

	if err := f.store.UpsertMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("%w: user message %s: %w", ErrPersist, userMsg.ID, err)
	}
	if err := f.store.UpsertMessage(ctx, assistantMsg); err != nil {
		return fmt.Errorf("%w: assistant message %s: %w", ErrPersist, assistantMsg.ID, err)
	}

	f.logger.Debug("turn persisted",
		"thread_id", assistantMsg.ThreadID,
		"parts", len(assistantMsg.Parts))
	return nil
}

// Repair commits a message whose pending tool parts were just resolved by
// the resumable executor. Must happen before the new model turn starts so
// an interruption between the two never loses the repair.
func (f *Finalizer) Repair(ctx context.Context, msg *thread.Message) error {
	if err := f.store.UpsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("%w: repaired message %s: %w", ErrPersist, msg.ID, err)
	}
	return nil
}

// Normalize collapses accumulated parts into the stored shape: empty text
// parts are dropped and adjacent text parts merged. Tool-call parts pass
// through untouched, whatever their state.
func Normalize(parts []thread.Part) []thread.Part {
	out := make([]thread.Part, 0, len(parts))
	for _, p := range parts {
		if p.Type == thread.PartText {
			if p.Text == "" {
				continue
			}
			if n := len(out); n > 0 && out[n-1].Type == thread.PartText {
				out[n-1].Text += p.Text
				continue
			}
		}
		out = append(out, p)
	}
	return out
}
