package turn

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"go.uber.org/goleak"

	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/testutil"
	"github.com/studyloop/studyloop/internal/thread"
	"github.com/studyloop/studyloop/internal/toolset"
)

func TestMain(m *testing.M) {
	// genkit.Init calls signal.NotifyContext and discards the cancel func,
	// so each fixture leaves one signal-watcher goroutine behind.
	goleak.VerifyTestMain(m,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("os/signal.NotifyContext.func1"),
	)
}

// fixture is one isolated genkit instance with a mock model and two
// builtin tools, lookupA and lookupB. lookupB fails when asked to.
type fixture struct {
	g     *genkit.Genkit
	llm   *testutil.MockLLM
	tools toolset.Resolution
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := genkit.Init(context.Background())

	llm := testutil.NewMockLLM("fallback answer")
	llm.RegisterModel(g)

	lookupA := genkit.DefineTool(g, "lookupA", "lookup a",
		func(_ *ai.ToolContext, in map[string]any) (string, error) {
			return "result-a", nil
		})
	lookupB := genkit.DefineTool(g, "lookupB", "lookup b",
		func(_ *ai.ToolContext, in map[string]any) (string, error) {
			if in["fail"] == true {
				return "", fmt.Errorf("backing store unavailable")
			}
			return "result-b", nil
		})

	return &fixture{
		g:   g,
		llm: llm,
		tools: toolset.Resolution{
			Builtin: map[string]ai.Tool{
				"lookupA": lookupA,
				"lookupB": lookupB,
			},
		},
	}
}

// collect returns an emitter appending to the returned slice. The
// orchestrator serializes emission, so no locking is needed here.
func collect() (Emitter, *[]Event) {
	var events []Event
	return func(ev Event) { events = append(events, ev) }, &events
}

func indexOf(events []Event, match func(Event) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

func TestRunPlainText(t *testing.T) {
	fx := newFixture(t)
	fx.llm.AddResponse("capital of france", "Paris.")

	orch := NewOrchestrator(fx.g, log.NewNop())
	emit, events := collect()

	res, err := orch.Run(t.Context(), GenerateRequest{
		Model:      "mock/test-model",
		History:    []*ai.Message{ai.NewUserMessage(ai.NewTextPart("capital of France?"))},
		StepBudget: 5,
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	if res.Steps != 1 {
		t.Errorf("Steps = %d, want 1", res.Steps)
	}
	if len(res.Parts) != 1 || res.Parts[0].Type != thread.PartText || res.Parts[0].Text != "Paris." {
		t.Errorf("Parts = %+v", res.Parts)
	}
	if res.Usage.TotalTokens == 0 {
		t.Error("usage not accumulated")
	}

	deltas := 0
	for _, ev := range *events {
		if ev.Type != EventTextDelta {
			t.Errorf("unexpected event %s", ev.Type)
		}
		deltas++
	}
	if deltas == 0 {
		t.Error("no text-delta emitted")
	}
}

func TestRunToolOrdering(t *testing.T) {
	fx := newFixture(t)
	fx.llm.AddToolResponse("exam schedule",
		[]*ai.ToolRequest{
			{Name: "lookupA", Ref: "call-a", Input: map[string]any{"q": "a"}},
			{Name: "lookupB", Ref: "call-b", Input: map[string]any{"q": "b"}},
		},
		"Both lookups done.")

	orch := NewOrchestrator(fx.g, log.NewNop())
	emit, events := collect()

	res, err := orch.Run(t.Context(), GenerateRequest{
		Model:      "mock/test-model",
		History:    []*ai.Message{ai.NewUserMessage(ai.NewTextPart("exam schedule please"))},
		Tools:      fx.tools,
		StepBudget: 5,
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}

	evs := *events
	inputA := indexOf(evs, func(e Event) bool { return e.Type == EventToolInput && e.ToolCallID == "call-a" })
	outputA := indexOf(evs, func(e Event) bool { return e.Type == EventToolOutput && e.ToolCallID == "call-a" })
	inputB := indexOf(evs, func(e Event) bool { return e.Type == EventToolInput && e.ToolCallID == "call-b" })
	outputB := indexOf(evs, func(e Event) bool { return e.Type == EventToolOutput && e.ToolCallID == "call-b" })
	for name, idx := range map[string]int{"inputA": inputA, "outputA": outputA, "inputB": inputB, "outputB": outputB} {
		if idx < 0 {
			t.Fatalf("%s event missing: %+v", name, evs)
		}
	}

	// Each call's input precedes its own output.
	if inputA > outputA || inputB > outputB {
		t.Errorf("input/output out of sequence: %v %v %v %v", inputA, outputA, inputB, outputB)
	}

	// Text causally after the tool results streams after both outputs.
	lastDelta := -1
	for i, ev := range evs {
		if ev.Type == EventTextDelta {
			lastDelta = i
		}
	}
	if lastDelta < outputA || lastDelta < outputB {
		t.Errorf("followup text at %d before tool outputs (%d, %d)", lastDelta, outputA, outputB)
	}

	// Parts carry the terminal tool states plus the followup text.
	var states []thread.ToolState
	for _, p := range res.Parts {
		if p.IsToolCall() {
			states = append(states, p.State)
		}
	}
	if len(states) != 2 || states[0] != thread.ToolOutputAvailable || states[1] != thread.ToolOutputAvailable {
		t.Errorf("tool part states = %v", states)
	}
	if len(res.ToolsInvoked) != 2 {
		t.Errorf("ToolsInvoked = %v", res.ToolsInvoked)
	}
}

func TestRunToolIsolation(t *testing.T) {
	fx := newFixture(t)
	fx.llm.AddToolResponse("mixed",
		[]*ai.ToolRequest{
			{Name: "lookupB", Ref: "call-fail", Input: map[string]any{"fail": true}},
			{Name: "lookupA", Ref: "call-ok", Input: map[string]any{}},
		},
		"Partial results.")

	orch := NewOrchestrator(fx.g, log.NewNop())
	emit, events := collect()

	res, err := orch.Run(t.Context(), GenerateRequest{
		Model:      "mock/test-model",
		History:    []*ai.Message{ai.NewUserMessage(ai.NewTextPart("mixed lookups"))},
		Tools:      fx.tools,
		StepBudget: 5,
	}, emit)
	if err != nil {
		t.Fatalf("tool failure must not abort the turn: %v", err)
	}

	var failed, succeeded *thread.Part
	for i := range res.Parts {
		p := &res.Parts[i]
		switch p.ToolCallID {
		case "call-fail":
			failed = p
		case "call-ok":
			succeeded = p
		}
	}
	if failed == nil || failed.State != thread.ToolOutputError || failed.ErrorText == "" {
		t.Errorf("failed call part = %+v", failed)
	}
	if succeeded == nil || succeeded.State != thread.ToolOutputAvailable {
		t.Errorf("succeeded call part = %+v", succeeded)
	}

	if idx := indexOf(*events, func(e Event) bool { return e.Type == EventToolError && e.ToolCallID == "call-fail" }); idx < 0 {
		t.Error("no tool-output-error event for failed call")
	}
	if idx := indexOf(*events, func(e Event) bool { return e.Type == EventToolOutput && e.ToolCallID == "call-ok" }); idx < 0 {
		t.Error("no tool-output-available event for succeeded call")
	}
}

func TestRunStepBudget(t *testing.T) {
	fx := newFixture(t)
	fx.llm.AddLoopingToolResponse("keep going",
		[]*ai.ToolRequest{{Name: "lookupA", Ref: "", Input: map[string]any{}}})

	orch := NewOrchestrator(fx.g, log.NewNop())
	emit, _ := collect()

	res, err := orch.Run(t.Context(), GenerateRequest{
		Model:      "mock/test-model",
		History:    []*ai.Message{ai.NewUserMessage(ai.NewTextPart("keep going"))},
		Tools:      fx.tools,
		StepBudget: 3,
	}, emit)
	if err != nil {
		t.Fatalf("budget exhaustion must terminate gracefully: %v", err)
	}
	if res.Steps != 3 {
		t.Errorf("Steps = %d, want exactly the budget", res.Steps)
	}
	// Each step's tool call still ran and resolved.
	terminal := 0
	for _, p := range res.Parts {
		if p.IsToolCall() && p.State.Terminal() {
			terminal++
		}
	}
	if terminal != 3 {
		t.Errorf("terminal tool parts = %d, want 3", terminal)
	}
}

func TestRunModelError(t *testing.T) {
	fx := newFixture(t)
	fx.llm.AddError("broken", errors.New("upstream 500"))

	orch := NewOrchestrator(fx.g, log.NewNop())
	emit, _ := collect()

	res, err := orch.Run(t.Context(), GenerateRequest{
		Model:      "mock/test-model",
		History:    []*ai.Message{ai.NewUserMessage(ai.NewTextPart("broken please"))},
		StepBudget: 5,
	}, emit)
	if !errors.Is(err, ErrModel) {
		t.Fatalf("err = %v, want ErrModel", err)
	}
	if res == nil {
		t.Fatal("result must be returned alongside the error")
	}
}

func TestRunUnboundTool(t *testing.T) {
	fx := newFixture(t)
	fx.llm.AddToolResponse("forbidden tool",
		[]*ai.ToolRequest{{Name: "adminDelete", Ref: "call-x", Input: map[string]any{}}},
		"done")

	orch := NewOrchestrator(fx.g, log.NewNop())
	emit, events := collect()

	res, err := orch.Run(t.Context(), GenerateRequest{
		Model:      "mock/test-model",
		History:    []*ai.Message{ai.NewUserMessage(ai.NewTextPart("forbidden tool"))},
		Tools:      fx.tools,
		StepBudget: 5,
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	idx := indexOf(*events, func(e Event) bool { return e.Type == EventToolError && e.ToolCallID == "call-x" })
	if idx < 0 {
		t.Error("unbound tool did not produce an output-error event")
	}
	for _, p := range res.Parts {
		if p.ToolCallID == "call-x" && p.State != thread.ToolOutputError {
			t.Errorf("unbound call state = %s", p.State)
		}
	}
}

func TestRunCanceledContext(t *testing.T) {
	fx := newFixture(t)
	orch := NewOrchestrator(fx.g, log.NewNop())
	emit, events := collect()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Run(ctx, GenerateRequest{
		Model:      "mock/test-model",
		History:    []*ai.Message{ai.NewUserMessage(ai.NewTextPart("hi"))},
		StepBudget: 5,
	}, emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(*events) != 0 {
		t.Errorf("events emitted after cancellation: %+v", *events)
	}
}

func TestResumePendingIdempotent(t *testing.T) {
	fx := newFixture(t)
	orch := NewOrchestrator(fx.g, log.NewNop())

	msg := &thread.Message{
		Role: thread.RoleAssistant,
		Parts: []thread.Part{
			thread.NewTextPart("Let me check."),
			thread.NewToolCallPart("lookupA", "call-1", map[string]any{"q": "x"}),
			thread.NewToolCallPart("lookupB", "call-2", map[string]any{"fail": true}),
		},
	}

	emit, events := collect()
	if !orch.ResumePending(t.Context(), msg, fx.tools, emit) {
		t.Fatal("first resume reported nothing to do")
	}

	if n := len(msg.PendingToolCalls()); n != 0 {
		t.Errorf("pending after resume = %d", n)
	}
	if msg.Parts[1].State != thread.ToolOutputAvailable {
		t.Errorf("call-1 state = %s", msg.Parts[1].State)
	}
	if msg.Parts[2].State != thread.ToolOutputError {
		t.Errorf("call-2 state = %s", msg.Parts[2].State)
	}

	outputs := len(*events)
	if outputs != 2 {
		t.Fatalf("events = %d, want one per resumed call", outputs)
	}

	// Replaying against the now-terminal message emits nothing.
	if orch.ResumePending(t.Context(), msg, fx.tools, emit) {
		t.Error("second resume was not a no-op")
	}
	if len(*events) != outputs {
		t.Errorf("second resume emitted %d extra events", len(*events)-outputs)
	}
}
