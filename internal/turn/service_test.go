package turn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/studyloop/studyloop/internal/identity"
	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/memory"
	"github.com/studyloop/studyloop/internal/prefs"
	"github.com/studyloop/studyloop/internal/registry"
	"github.com/studyloop/studyloop/internal/thread"
	"github.com/studyloop/studyloop/internal/toolset"
)

// memThreads is an in-memory ThreadStore.
type memThreads struct {
	mu       sync.Mutex
	threads  map[uuid.UUID]*thread.Thread
	messages map[uuid.UUID][]*thread.Message
	failNext bool
}

func newMemThreads() *memThreads {
	return &memThreads{
		threads:  make(map[uuid.UUID]*thread.Thread),
		messages: make(map[uuid.UUID][]*thread.Message),
	}
}

func (m *memThreads) CreateThread(_ context.Context, userID, title string) (*thread.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th := &thread.Thread{ID: uuid.New(), UserID: userID, Title: title}
	m.threads[th.ID] = th
	return th, nil
}

func (m *memThreads) GetThreadWithMessages(_ context.Context, id uuid.UUID) (*thread.Thread, []*thread.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[id]
	if !ok {
		return nil, nil, thread.ErrThreadNotFound
	}
	return th, append([]*thread.Message(nil), m.messages[id]...), nil
}

func (m *memThreads) UpsertMessage(_ context.Context, msg *thread.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("disk full")
	}
	msgs := m.messages[msg.ThreadID]
	for i, existing := range msgs {
		if existing.ID == msg.ID {
			msgs[i] = msg
			return nil
		}
	}
	m.messages[msg.ThreadID] = append(msgs, msg)
	return nil
}

type fakeProfiles struct{}

func (fakeProfiles) Preferences(context.Context, string) (*prefs.Preferences, error) {
	return &prefs.Preferences{Values: map[string]string{"style": "concise"}}, nil
}

func (fakeProfiles) Customizations(context.Context, string) (map[string]string, error) {
	return nil, nil
}

type fakeMemories struct{}

func (fakeMemories) Recent(context.Context, string, int) ([]memory.Entry, error) {
	return nil, nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	turns []memory.Turn
}

func (r *fakeRecorder) Record(_ context.Context, _ string, turn memory.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

type staticSource struct{ snap registry.Snapshot }

func (s staticSource) Snapshot(context.Context) registry.Snapshot { return s.snap }

type serviceFixture struct {
	*fixture
	svc      *Service
	threads  *memThreads
	recorder *fakeRecorder
}

func newServiceFixture(t *testing.T, cfg Config) *serviceFixture {
	t.Helper()
	fx := newFixture(t)

	if cfg.Model == "" {
		cfg.Model = "mock/test-model"
	}
	if cfg.StepBudget == 0 {
		cfg.StepBudget = 5
	}
	if cfg.Persona == "" {
		cfg.Persona = "You help {{name}} study. Preferences: {{preferences}}."
	}
	if cfg.MemoryWindow == 0 {
		cfg.MemoryWindow = 5
	}
	if cfg.DefaultToolkit == nil {
		cfg.DefaultToolkit = []string{"lookupA", "lookupB"}
	}

	threads := newMemThreads()
	recorder := &fakeRecorder{}
	resolver := toolset.NewResolver(staticSource{}, nil, fx.tools.Builtin, nil, log.NewNop())

	svc := NewService(cfg, Deps{
		Orchestrator: NewOrchestrator(fx.g, log.NewNop()),
		Resolver:     resolver,
		Threads:      threads,
		Profiles:     fakeProfiles{},
		Memories:     fakeMemories{},
		Recorder:     recorder,
	})
	return &serviceFixture{fixture: fx, svc: svc, threads: threads, recorder: recorder}
}

func caller() identity.Identity {
	return identity.Identity{UserID: "u-1", Email: "ana@uni.edu", Name: "Ana"}
}

func userParts(text string) []thread.Part {
	return []thread.Part{thread.NewTextPart(text)}
}

func TestStreamNewThread(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.llm.AddResponse("hi", "Hello! What are you studying?")

	emit, events := collect()
	err := fx.svc.Stream(t.Context(), caller(), Request{
		Parts:      userParts("hi"),
		ToolChoice: toolset.ModeNone,
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	if len(fx.threads.threads) != 1 {
		t.Fatalf("threads created = %d", len(fx.threads.threads))
	}
	var th *thread.Thread
	for _, v := range fx.threads.threads {
		th = v
	}
	if th.Title != "hi" {
		t.Errorf("Title = %q", th.Title)
	}

	evs := *events
	done := evs[len(evs)-1]
	if done.Type != EventDone {
		t.Fatalf("last event = %s", done.Type)
	}
	if done.Message == nil || len(done.Message.Parts) != 1 || done.Message.Parts[0].Type != thread.PartText {
		t.Errorf("done message = %+v", done.Message)
	}
	if done.Metadata == nil || done.Metadata.ToolCount != 0 || done.Metadata.Model != "mock/test-model" {
		t.Errorf("metadata = %+v", done.Metadata)
	}

	// Both turn messages persisted.
	if got := len(fx.threads.messages[th.ID]); got != 2 {
		t.Errorf("persisted messages = %d", got)
	}
	if fx.recorder.count() != 1 {
		t.Errorf("recorder calls = %d", fx.recorder.count())
	}
}

func TestStreamResubmissionResumesPendingCall(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.llm.AddResponse("exam", "The resit is in June.")

	th, err := fx.threads.CreateThread(t.Context(), "u-1", "exams")
	if err != nil {
		t.Fatal(err)
	}

	userMsgID := uuid.New()
	if err := fx.threads.UpsertMessage(t.Context(), &thread.Message{
		ID: userMsgID, ThreadID: th.ID, Role: thread.RoleUser,
		Parts: userParts("when is the exam resit?"),
	}); err != nil {
		t.Fatal(err)
	}
	asstMsgID := uuid.New()
	if err := fx.threads.UpsertMessage(t.Context(), &thread.Message{
		ID: asstMsgID, ThreadID: th.ID, Role: thread.RoleAssistant,
		Parts: []thread.Part{
			thread.NewTextPart("Checking."),
			thread.NewToolCallPart("lookupA", "stuck-call", map[string]any{"q": "resit"}),
		},
	}); err != nil {
		t.Fatal(err)
	}

	emit, events := collect()
	err = fx.svc.Stream(t.Context(), caller(), Request{
		ThreadID:   &th.ID,
		MessageID:  userMsgID,
		Parts:      userParts("when is the exam resit?"),
		ToolChoice: toolset.ModeAuto,
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	evs := *events
	resumed := indexOf(evs, func(e Event) bool { return e.Type == EventToolOutput && e.ToolCallID == "stuck-call" })
	done := indexOf(evs, func(e Event) bool { return e.Type == EventDone })
	if resumed < 0 {
		t.Fatal("pending call was not resumed")
	}
	if done < resumed {
		t.Error("resume result emitted after done")
	}

	msgs := fx.threads.messages[th.ID]
	// No duplicate user message: repaired assistant + resubmitted user +
	// one new assistant message.
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	for _, m := range msgs {
		if n := len(m.PendingToolCalls()); n != 0 {
			t.Errorf("message %s still has %d pending tool calls", m.ID, n)
		}
	}
}

func TestStreamForbiddenThread(t *testing.T) {
	fx := newServiceFixture(t, Config{})

	th, err := fx.threads.CreateThread(t.Context(), "someone-else", "private")
	if err != nil {
		t.Fatal(err)
	}

	emit, events := collect()
	err = fx.svc.Stream(t.Context(), caller(), Request{
		ThreadID: &th.ID,
		Parts:    userParts("hi"),
	}, emit)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if len(*events) != 0 {
		t.Error("events emitted before authorization")
	}
	if len(fx.llm.Calls()) != 0 {
		t.Error("model called for a forbidden thread")
	}
}

func TestStreamUnknownThread(t *testing.T) {
	fx := newServiceFixture(t, Config{})

	ghost := uuid.New()
	emit, _ := collect()
	err := fx.svc.Stream(t.Context(), caller(), Request{
		ThreadID: &ghost,
		Parts:    userParts("hi"),
	}, emit)
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestStreamEmptyMessage(t *testing.T) {
	fx := newServiceFixture(t, Config{})

	emit, _ := collect()
	err := fx.svc.Stream(t.Context(), caller(), Request{Parts: userParts("   ")}, emit)
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestStreamRateLimited(t *testing.T) {
	fx := newServiceFixture(t, Config{RateRPS: 0.001, RateBurst: 1})
	fx.llm.AddResponse("hi", "Hello!")

	emit, _ := collect()
	if err := fx.svc.Stream(t.Context(), caller(), Request{Parts: userParts("hi")}, emit); err != nil {
		t.Fatal(err)
	}
	err := fx.svc.Stream(t.Context(), caller(), Request{Parts: userParts("hi")}, emit)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestStreamModelErrorStillPersists(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.llm.AddError("explode", errors.New("upstream 500"))

	emit, events := collect()
	err := fx.svc.Stream(t.Context(), caller(), Request{Parts: userParts("explode")}, emit)
	if err != nil {
		t.Fatalf("model failure must not fail the turn: %v", err)
	}

	evs := *events
	if len(evs) == 0 || evs[len(evs)-1].Type != EventError {
		t.Fatalf("terminal event = %+v", evs)
	}

	// The turn's messages were still committed.
	total := 0
	for _, msgs := range fx.threads.messages {
		total += len(msgs)
	}
	if total != 2 {
		t.Errorf("persisted messages = %d, want 2", total)
	}
	if fx.recorder.count() != 0 {
		t.Error("memory recorded for a failed turn")
	}
}

func TestStreamPersistFailureIsFatal(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.llm.AddResponse("hi", "Hello!")
	fx.threads.failNext = true

	emit, _ := collect()
	err := fx.svc.Stream(t.Context(), caller(), Request{Parts: userParts("hi")}, emit)
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("err = %v, want ErrPersist", err)
	}
}

func TestStreamToolTurnLeavesNothingPending(t *testing.T) {
	fx := newServiceFixture(t, Config{})
	fx.llm.AddToolResponse("schedule",
		[]*ai.ToolRequest{{Name: "lookupA", Ref: "call-1", Input: map[string]any{}}},
		"Here is your schedule.")

	emit, events := collect()
	err := fx.svc.Stream(t.Context(), caller(), Request{
		Parts:      userParts("schedule please"),
		ToolChoice: toolset.ModeAuto,
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	done := testEventOfType(t, *events, EventDone)
	if done.Metadata.ToolCount != 2 {
		t.Errorf("ToolCount = %d, want the bound count", done.Metadata.ToolCount)
	}

	for _, msgs := range fx.threads.messages {
		for _, m := range msgs {
			if len(m.PendingToolCalls()) != 0 {
				t.Errorf("message %s left pending tool calls", m.ID)
			}
		}
	}
	if fx.recorder.count() != 1 {
		t.Fatal("memory not recorded")
	}
	fx.recorder.mu.Lock()
	defer fx.recorder.mu.Unlock()
	if len(fx.recorder.turns[0].ToolsUsed) != 1 || fx.recorder.turns[0].ToolsUsed[0] != "lookupA" {
		t.Errorf("ToolsUsed = %v", fx.recorder.turns[0].ToolsUsed)
	}
}

func testEventOfType(t *testing.T, events []Event, typ EventType) Event {
	t.Helper()
	idx := indexOf(events, func(e Event) bool { return e.Type == typ })
	if idx < 0 {
		t.Fatalf("no %s event in %+v", typ, events)
	}
	return events[idx]
}
