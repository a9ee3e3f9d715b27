package memory

import (
	"context"

	"github.com/studyloop/studyloop/internal/log"
)

// Appender is the sink the recorder writes to. *Store satisfies it.
type Appender interface {
	Append(ctx context.Context, entry Entry) error
}

// Recorder ties the extractor to the store. It runs after successful
// persistence of a turn; any failure is logged and dropped.
type Recorder struct {
	extractor Extractor
	store     Appender
	logger    log.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(extractor Extractor, store Appender, logger log.Logger) *Recorder {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Recorder{extractor: extractor, store: store, logger: logger}
}

// Record extracts and appends a memory entry for the user's turn.
// Never returns an error; memory must not affect the response path.
func (r *Recorder) Record(ctx context.Context, userID string, turn Turn) {
	entry, err := r.extractor.Extract(turn)
	if err != nil {
		r.logger.Warn("memory extraction failed", "user_id", userID, "error", err)
		return
	}
	entry.UserID = userID

	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Warn("memory append failed", "user_id", userID, "error", err)
		return
	}
	r.logger.Debug("memory recorded", "user_id", userID, "topic", entry.Topic)
}
