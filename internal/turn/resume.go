package turn

import (
	"context"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/sync/errgroup"

	"github.com/studyloop/studyloop/internal/thread"
	"github.com/studyloop/studyloop/internal/toolset"
)

// ResumePending re-executes the tool calls of msg still stuck in a
// non-terminal state, left behind by an interrupted prior turn. Each call
// runs concurrently against the currently resolved tool set with its
// original input; results resolve the parts in place and are emitted as
// events. Terminal parts are never touched, so calling this twice for the
// same message is a no-op the second time.
//
// Returns true when any part changed; the caller must then upsert the
// repaired message before starting the new model turn.
func (o *Orchestrator) ResumePending(ctx context.Context, msg *thread.Message, tools toolset.Resolution, emit Emitter) bool {
	pending := msg.PendingToolCalls()
	if len(pending) == 0 {
		return false
	}
	emit = serialized(ctx, emit)

	o.logger.Info("resuming interrupted tool calls",
		"message_id", msg.ID, "count", len(pending))

	var mu sync.Mutex
	grp, grpCtx := errgroup.WithContext(ctx)

	for _, idx := range pending {
		part := &msg.Parts[idx]
		grp.Go(func() error {
			out, err := o.invoke(grpCtx, tools, &ai.ToolRequest{
				Name:  part.ToolName,
				Ref:   part.ToolCallID,
				Input: part.Input,
			})

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				part.ResolveError(err.Error())
				emit(Event{
					Type:       EventToolError,
					ToolCallID: part.ToolCallID,
					ToolName:   part.ToolName,
					ErrorText:  err.Error(),
				})
			} else {
				part.Resolve(out)
				emit(Event{
					Type:       EventToolOutput,
					ToolCallID: part.ToolCallID,
					ToolName:   part.ToolName,
					Output:     out,
				})
			}
			return nil
		})
	}
	_ = grp.Wait()

	return true
}
