package turn

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/studyloop/studyloop/internal/identity"
	"github.com/studyloop/studyloop/internal/log"
	"github.com/studyloop/studyloop/internal/memory"
	"github.com/studyloop/studyloop/internal/prefs"
	"github.com/studyloop/studyloop/internal/prompt"
	"github.com/studyloop/studyloop/internal/thread"
	"github.com/studyloop/studyloop/internal/toolset"
)

// ThreadStore is the slice of the thread store the service reads and
// creates through. *thread.Store satisfies it.
type ThreadStore interface {
	CreateThread(ctx context.Context, userID, title string) (*thread.Thread, error)
	GetThreadWithMessages(ctx context.Context, id uuid.UUID) (*thread.Thread, []*thread.Message, error)
	UpsertMessage(ctx context.Context, msg *thread.Message) error
}

// ProfileStore loads per-user preferences and tool-server customizations.
// *prefs.Store satisfies it.
type ProfileStore interface {
	Preferences(ctx context.Context, userID string) (*prefs.Preferences, error)
	Customizations(ctx context.Context, userID string) (map[string]string, error)
}

// MemorySource reads back the recent memory window for the prompt digest.
// *memory.Store satisfies it.
type MemorySource interface {
	Recent(ctx context.Context, userID string, limit int) ([]memory.Entry, error)
}

// Recorder appends a memory entry after a successful turn. *memory.Recorder
// satisfies it.
type Recorder interface {
	Record(ctx context.Context, userID string, turn memory.Turn)
}

// Config carries the turn service's policy knobs. Model must be the fully
// qualified default model name.
type Config struct {
	Model        string
	StepBudget   int
	Persona      string
	MemoryWindow int

	// DefaultToolkit applies when the request names none.
	DefaultToolkit []string

	// Agents maps agent id to the instruction text that replaces the
	// persona when that agent is selected.
	Agents map[string]string

	// LegacyModels lists models without native tool calling; the composer
	// appends an emulation addendum for them.
	LegacyModels []string

	// RateRPS and RateBurst bound each user's request rate. RateRPS <= 0
	// disables limiting.
	RateRPS   float64
	RateBurst int
}

// Request is one inbound conversational turn. A nil ThreadID starts a new
// thread titled from the message text.
type Request struct {
	ThreadID       *uuid.UUID
	MessageID      uuid.UUID
	Parts          []thread.Part
	Model          string
	ToolChoice     toolset.Mode
	Mentions       []toolset.Mention
	AllowedServers map[string][]string
	DefaultToolkit []string
	AgentID        string
}

// Service runs turns end to end. One instance serves all users; per-thread
// state lives in the store, the only thing shared across turns is the
// read-mostly tool registry behind the resolver.
type Service struct {
	cfg       Config
	orch      *Orchestrator
	resolver  *toolset.Resolver
	threads   ThreadStore
	profiles  ProfileStore
	memories  MemorySource
	recorder  Recorder
	finalizer *Finalizer
	screener  *prompt.Screener
	logger    log.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Orchestrator *Orchestrator
	Resolver     *toolset.Resolver
	Threads      ThreadStore
	Profiles     ProfileStore
	Memories     MemorySource
	Recorder     Recorder
	Logger       log.Logger
}

// NewService creates the turn service.
func NewService(cfg Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Service{
		cfg:       cfg,
		orch:      deps.Orchestrator,
		resolver:  deps.Resolver,
		threads:   deps.Threads,
		profiles:  deps.Profiles,
		memories:  deps.Memories,
		recorder:  deps.Recorder,
		finalizer: NewFinalizer(deps.Threads, logger),
		screener:  prompt.NewScreener(),
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Stream runs one turn, emitting events as they are produced. The returned
// error is non-nil only for failures the caller must map to an error
// response: authorization, rate limiting, validation and persistence. Model
// and tool failures surface through the event stream instead.
func (s *Service) Stream(ctx context.Context, caller identity.Identity, req Request, emit Emitter) error {
	if !s.allow(caller.UserID) {
		return ErrRateLimited
	}

	text := partsText(req.Parts)
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	if sr := s.screener.Screen(text); sr.Suspicious {
		// Logged for review, never blocked: false positives on study
		// questions are worse than a screened log line.
		s.logger.Warn("suspicious prompt detected",
			"user_id", caller.UserID, "patterns", sr.Patterns)
	}

	th, history, err := s.resolveThread(ctx, caller, req, text)
	if err != nil {
		return err
	}

	resolution := s.resolver.Resolve(ctx, toolset.Request{
		Mode:           req.ToolChoice,
		Mentions:       req.Mentions,
		AllowedServers: req.AllowedServers,
		DefaultToolkit: s.defaultToolkit(req),
		Identity:       caller,
	})

	// Repair first: a prior turn's interrupted tool calls must be resolved
	// and durably recorded before any new model work.
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Role == thread.RoleAssistant && s.orch.ResumePending(ctx, last, resolution, emit) {
			if err := s.finalizer.Repair(ctx, last); err != nil {
				return err
			}
		}
	}

	system := s.composePrompt(ctx, caller, req, resolution)

	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}

	result, runErr := s.orch.Run(ctx, GenerateRequest{
		Model:      model,
		System:     system,
		History:    toModelMessages(history, text),
		Tools:      resolution,
		StepBudget: s.cfg.StepBudget,
	}, emit)

	userMsg := &thread.Message{
		ID:       req.MessageID,
		ThreadID: th.ID,
		Role:     thread.RoleUser,
		Parts:    req.Parts,
	}
	if userMsg.ID == uuid.Nil {
		userMsg.ID = uuid.New()
	}

	meta := &thread.Metadata{
		Model:        model,
		ToolChoice:   string(req.ToolChoice),
		ToolCount:    resolution.Count(),
		AgentID:      req.AgentID,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		TotalTokens:  result.Usage.TotalTokens,
	}
	assistantMsg := &thread.Message{
		ID:       uuid.New(),
		ThreadID: th.ID,
		Role:     thread.RoleAssistant,
		Parts:    result.Parts,
		Metadata: meta,
	}

	// Persist regardless of how the model call ended; completed text and
	// tool results are never thrown away.
	if err := s.finalizer.Finalize(ctx, userMsg, assistantMsg); err != nil {
		return err
	}

	switch {
	case runErr == nil:
		emit(Event{Type: EventDone, Message: assistantMsg, Metadata: meta})
		s.recorder.Record(ctx, caller.UserID, memory.Turn{
			UserText:      text,
			AssistantText: assistantMsg.Text(),
			ToolsUsed:     dedup(result.ToolsInvoked),
		})
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		// The client went away; there is nobody left to emit to.
		s.logger.Debug("turn canceled", "thread_id", th.ID, "steps", result.Steps)
	default:
		s.logger.Error("model call failed", "thread_id", th.ID, "error", runErr)
		emit(Event{Type: EventError, ErrorText: runErr.Error()})
	}

	return nil
}

// resolveThread loads the target thread, enforcing ownership, or creates a
// new one titled from the first message.
func (s *Service) resolveThread(ctx context.Context, caller identity.Identity, req Request, text string) (*thread.Thread, []*thread.Message, error) {
	if req.ThreadID == nil {
		th, err := s.threads.CreateThread(ctx, caller.UserID, thread.DeriveTitle(text))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: create thread: %w", ErrPersist, err)
		}
		return th, nil, nil
	}

	th, history, err := s.threads.GetThreadWithMessages(ctx, *req.ThreadID)
	if err != nil {
		if errors.Is(err, thread.ErrThreadNotFound) {
			return nil, nil, ErrThreadNotFound
		}
		return nil, nil, fmt.Errorf("%w: load thread: %w", ErrPersist, err)
	}
	if th.UserID != caller.UserID {
		return nil, nil, ErrForbidden
	}
	return th, history, nil
}

// composePrompt gathers the prompt sources and merges them. Every source
// here is an enrichment; load failures degrade to defaults and are logged.
func (s *Service) composePrompt(ctx context.Context, caller identity.Identity, req Request, resolution toolset.Resolution) string {
	var preferences map[string]string
	if p, err := s.profiles.Preferences(ctx, caller.UserID); err != nil {
		s.logger.Warn("loading preferences failed", "user_id", caller.UserID, "error", err)
	} else {
		preferences = p.Values
	}

	customizations, err := s.profiles.Customizations(ctx, caller.UserID)
	if err != nil {
		s.logger.Warn("loading customizations failed", "user_id", caller.UserID, "error", err)
	}

	var digest string
	if entries, err := s.memories.Recent(ctx, caller.UserID, s.cfg.MemoryWindow); err != nil {
		s.logger.Warn("loading memory failed", "user_id", caller.UserID, "error", err)
	} else {
		digest = memory.Digest(entries)
	}

	var agentInstructions string
	if req.AgentID != "" {
		if instr, ok := s.cfg.Agents[req.AgentID]; ok {
			agentInstructions = instr
		} else {
			s.logger.Warn("unknown agent, using persona", "agent_id", req.AgentID)
		}
	}

	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}

	return prompt.Compose(prompt.Input{
		Persona:           s.cfg.Persona,
		Profile:           prompt.Profile{Name: caller.Name, Email: caller.Email},
		Preferences:       preferences,
		AgentInstructions: agentInstructions,
		MemoryDigest:      digest,
		Customizations:    customizations,
		ActiveServers:     resolution.Servers,
		NativeToolSupport: !slices.Contains(s.cfg.LegacyModels, model),
	})
}

func (s *Service) defaultToolkit(req Request) []string {
	if len(req.DefaultToolkit) > 0 {
		return req.DefaultToolkit
	}
	return s.cfg.DefaultToolkit
}

// allow checks the caller's rate budget, lazily creating their limiter.
func (s *Service) allow(userID string) bool {
	if s.cfg.RateRPS <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RateRPS), s.cfg.RateBurst)
		s.limiters[userID] = l
	}
	return l.Allow()
}

// toModelMessages converts the stored history plus the new user text into
// the model's message shape. Only text content is replayed; resolved tool
// exchanges are already reflected in the assistant text that followed them.
func toModelMessages(history []*thread.Message, userText string) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(history)+1)
	for _, m := range history {
		text := m.Text()
		if text == "" {
			continue
		}
		switch m.Role {
		case thread.RoleUser:
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(text)))
		case thread.RoleAssistant:
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(text)))
		case thread.RoleSystem:
			msgs = append(msgs, ai.NewSystemMessage(ai.NewTextPart(text)))
		}
	}
	return append(msgs, ai.NewUserMessage(ai.NewTextPart(userText)))
}

func partsText(parts []thread.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == thread.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func dedup(names []string) []string {
	var out []string
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
