package turn

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/thread"
	"github.com/studyloop/studyloop/internal/toolset"
)

// Orchestrator owns the model-tool loop for one turn: it issues model calls
// with the resolved tools bound, executes requested tools as soon as they
// arrive and folds their results back into the next model step.
type Orchestrator struct {
	g      *genkit.Genkit
	logger log.Logger
}

// NewOrchestrator creates an Orchestrator bound to a Genkit instance.
func NewOrchestrator(g *genkit.Genkit, logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Orchestrator{g: g, logger: logger}
}

// GenerateRequest is one turn's model-loop input. Model must be the fully
// qualified Genkit model name.
type GenerateRequest struct {
	Model      string
	System     string
	History    []*ai.Message
	Tools      toolset.Resolution
	StepBudget int
}

// Result accumulates everything a turn produced, in emission order. It is
// returned even when the model fails so partial progress can be persisted.
type Result struct {
	Parts        []thread.Part
	Usage        ai.GenerationUsage
	Steps        int
	ToolsInvoked []string
}

// Run drives the loop until the model stops requesting tools, the step
// budget is exhausted, or ctx is canceled. Tool failures resolve to
// output-error parts and never abort the stream; a model failure returns
// an error wrapping ErrModel alongside the accumulated result.
func (o *Orchestrator) Run(ctx context.Context, req GenerateRequest, emit Emitter) (*Result, error) {
	res := &Result{}
	messages := slices.Clone(req.History)
	refs := req.Tools.Refs()
	emit = serialized(ctx, emit)

	for step := 0; step < req.StepBudget; step++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Steps++

		opts := []ai.GenerateOption{
			ai.WithModelName(req.Model),
			ai.WithMessages(messages...),
			ai.WithReturnToolRequests(true),
			ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
				for _, p := range chunk.Content {
					if p.IsText() && p.Text != "" {
						emit(Event{Type: EventTextDelta, Delta: p.Text})
					}
				}
				return nil
			}),
		}
		if req.System != "" {
			opts = append(opts, ai.WithSystem(req.System))
		}
		if len(refs) > 0 {
			opts = append(opts, ai.WithTools(refs...))
		}

		resp, err := genkit.Generate(ctx, o.g, opts...)
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrModel, err)
		}
		addUsage(&res.Usage, resp.Usage)

		if text := resp.Text(); text != "" {
			res.Parts = append(res.Parts, thread.NewTextPart(text))
		}

		requests := resp.ToolRequests()
		if len(requests) == 0 {
			return res, nil
		}

		// The model sees each tool result before its next step: fold the
		// request message and the response parts into the history.
		messages = append(messages, resp.Message)
		responses := o.executeRequests(ctx, req.Tools, requests, res, emit)
		messages = append(messages, &ai.Message{Role: ai.RoleTool, Content: responses})
	}

	o.logger.Warn("step budget exhausted, terminating turn",
		"steps", res.Steps, "parts", len(res.Parts))
	return res, nil
}

// executeRequests runs one step's tool requests concurrently. Input events
// are emitted in request order before execution starts; each output event
// is emitted the moment its call resolves. Failures are isolated per call.
func (o *Orchestrator) executeRequests(ctx context.Context, tools toolset.Resolution, requests []*ai.ToolRequest, res *Result, emit Emitter) []*ai.Part {
	type call struct {
		req    *ai.ToolRequest
		callID string
		part   int
	}

	calls := make([]call, 0, len(requests))
	for _, tr := range requests {
		callID := tr.Ref
		if callID == "" {
			callID = uuid.NewString()
		}
		res.Parts = append(res.Parts, thread.NewToolCallPart(tr.Name, callID, tr.Input))
		emit(Event{
			Type:       EventToolInput,
			ToolCallID: callID,
			ToolName:   tr.Name,
			Input:      tr.Input,
		})
		calls = append(calls, call{req: tr, callID: callID, part: len(res.Parts) - 1})
	}

	var mu sync.Mutex
	responses := make([]*ai.Part, len(calls))

	grp, grpCtx := errgroup.WithContext(ctx)
	for i, c := range calls {
		grp.Go(func() error {
			out, err := o.invoke(grpCtx, tools, c.req)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				res.Parts[c.part].ResolveError(err.Error())
				emit(Event{
					Type:       EventToolError,
					ToolCallID: c.callID,
					ToolName:   c.req.Name,
					ErrorText:  err.Error(),
				})
				out = map[string]any{"error": err.Error()}
			} else {
				res.Parts[c.part].Resolve(out)
				res.ToolsInvoked = append(res.ToolsInvoked, c.req.Name)
				emit(Event{
					Type:       EventToolOutput,
					ToolCallID: c.callID,
					ToolName:   c.req.Name,
					Output:     out,
				})
			}

			responses[i] = ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   c.req.Name,
				Ref:    c.req.Ref,
				Output: out,
			})
			return nil
		})
	}
	_ = grp.Wait()

	return responses
}

// invoke runs one tool call against the resolved set.
func (o *Orchestrator) invoke(ctx context.Context, tools toolset.Resolution, tr *ai.ToolRequest) (any, error) {
	tool, ok := tools.Lookup(tr.Name)
	if !ok {
		return nil, fmt.Errorf("tool %q is not bound for this turn", tr.Name)
	}
	return tool.RunRaw(ctx, tr.Input)
}

// serialized wraps an emitter so concurrent tool executions emit one event
// at a time, and drops events once the stream's context has closed. Late
// tool results after cancellation are recorded in the result but not
// emitted.
func serialized(ctx context.Context, emit Emitter) Emitter {
	var mu sync.Mutex
	return func(ev Event) {
		if ctx.Err() != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		emit(ev)
	}
}

func addUsage(total *ai.GenerationUsage, u *ai.GenerationUsage) {
	if u == nil {
		return
	}
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.TotalTokens += u.TotalTokens
}
