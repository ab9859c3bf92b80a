package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cadforge/pkg/config"
	"cadforge/pkg/gateway/llm"
	"cadforge/pkg/logx"
	"cadforge/pkg/pipeline"
	"cadforge/pkg/prompts"
)

// ErrEmptyMessage is returned by ProcessUserMessage for a blank or
// whitespace-only user message — an InvalidInput case per §7's error
// taxonomy. Core wraps it with core.ErrInvalidInput at its own
// boundary so callers can match on either sentinel.
var ErrEmptyMessage = errors.New("conversation: empty user message")

// maxHistoryMessages bounds how much transcript is serialized into the
// Requirements agent's prompt on each Gathering pass.
const maxHistoryMessages = 12

// maxConcerns caps how many concerns/issues the Analyzing phase
// concatenates into its compiled summary.
const maxConcerns = 5

// ClientFactory resolves a ready-to-call LLM client for a provider and
// routing role. Satisfied structurally by *gateway.LLMClientFactory.
type ClientFactory interface {
	CreateClientWithModel(provider string, role config.AgentRole, modelOverride string) (llm.LLMClient, error)
}

// SessionLock lets a handler release and reacquire a session's
// external lock around operations — specifically the Analyzing
// specialist fan-out — that must not hold it during concurrent remote
// calls. A nil SessionLock (as used when driving the Engine directly
// in tests, with no Store involved) means no external lock is held
// and the fan-out simply runs without touching one.
type SessionLock interface {
	Unlock()
	Relock()
}

func releaseLock(lock SessionLock) {
	if lock != nil {
		lock.Unlock()
	}
}

func reacquireLock(lock SessionLock) {
	if lock != nil {
		lock.Relock()
	}
}

// StepResult is returned from every conversational turn.
type StepResult struct {
	Session       *Session
	NeedsResponse bool
	Complete      bool
}

// Engine drives the phase handlers for one or more Sessions. It holds
// no session state itself — callers (the Session Store) own locking
// and lifetime; Engine only operates on the *Session passed to it.
type Engine struct {
	clients  ClientFactory
	pipeline *pipeline.Pipeline
	logger   *logx.Logger
}

// New constructs an Engine.
func New(clients ClientFactory, p *pipeline.Pipeline) *Engine {
	return &Engine{clients: clients, pipeline: p, logger: logx.NewLogger("conversation")}
}

// NewSessionWithPrompt constructs a Session seeded with an initial
// free-text prompt, as session_create does when a caller supplies
// initial_prompt.
func NewSessionWithPrompt(now time.Time, initialPrompt string) *Session {
	s := NewSession(now)
	s.Requirements.Description = initialPrompt
	return s
}

// fallbackGreeting is the deterministic Coordinator greeting used when
// the Fast-model greeting call errors or returns something unusable,
// restoring the original implementation's fallback-on-exception
// behavior for its coordinator intro.
const fallbackGreeting = "Hi! I'm here to help you design a 3D-printable part. " +
	"Tell me a bit about what you'd like to make, and our specialists will take it from there."

// Start begins a session's dialogue: a Coordinator greeting is
// appended (generated by a Fast-model call, falling back to a static
// greeting if that call fails), then the Gathering handler runs once
// to ask its first question (or to notice the session is already
// ready to design, for a very detailed initial prompt).
func (e *Engine) Start(ctx context.Context, s *Session, provider, model string, lock SessionLock) (StepResult, error) {
	if model != "" {
		s.ModelOverride = model
	}
	now := time.Now()
	s.appendMessage(now, KindAgent, AgentCoordinator, e.coordinatorGreeting(ctx, provider), nil)
	if err := e.handleGathering(ctx, s, provider, lock); err != nil {
		return StepResult{}, err
	}
	return e.stepResult(s), nil
}

// coordinatorGreeting asks a Fast-role client to produce a short,
// warm opening line for the conversation. Any failure — client
// construction, the call itself, or an empty response — falls back to
// fallbackGreeting rather than surfacing an error from session_start.
func (e *Engine) coordinatorGreeting(ctx context.Context, provider string) string {
	client, err := e.clients.CreateClientWithModel(provider, config.RoleFast, "")
	if err != nil {
		return fallbackGreeting
	}

	greetCtx := llm.ContextWithRole(ctx, "coordinator_greeting")
	resp, err := client.Complete(greetCtx, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(prompts.SystemPromptFor(prompts.RoleCoordinator)),
		llm.NewUserMessage("Greet the user and introduce the design process in two sentences or fewer."),
	}))
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return fallbackGreeting
	}
	return resp.Content
}

// ProcessUserMessage appends the user's text then dispatches to the
// handler for the session's current phase. lock, if non-nil, is
// released and reacquired around the Analyzing specialist fan-out;
// it is held for the rest of the call.
func (e *Engine) ProcessUserMessage(ctx context.Context, s *Session, userText, provider, model string, lock SessionLock) (StepResult, error) {
	if strings.TrimSpace(userText) == "" {
		return StepResult{}, ErrEmptyMessage
	}
	if model != "" {
		s.ModelOverride = model
	}

	s.appendMessage(time.Now(), KindUser, "", userText, nil)

	prevPhase := s.Phase
	var err error
	switch s.Phase {
	case PhaseGathering:
		err = e.handleGathering(ctx, s, provider, lock)
	case PhaseAnalyzing:
		// Analyzing is entered and driven entirely by handleGathering's
		// transition; a user message arriving mid-analysis re-runs it.
		err = e.handleAnalyzing(ctx, s, provider, lock)
	case PhaseReviewing:
		err = e.handleReviewing(ctx, s, userText, provider)
	case PhaseDesigning:
		err = e.handleDesigning(ctx, s, provider, "")
	case PhaseFinalizing:
		err = e.handleFinalizing(ctx, s, userText, provider)
	case PhaseComplete:
		s.appendMessage(time.Now(), KindSystem, "", "This design is complete; start a new session to continue.", nil)
	default:
		err = fmt.Errorf("conversation: unknown phase %q", s.Phase)
	}
	if err != nil {
		// A surfaced failure leaves the session in the phase it had
		// before this message.
		s.Phase = prevPhase
		return StepResult{}, err
	}
	return e.stepResult(s), nil
}

func (e *Engine) stepResult(s *Session) StepResult {
	needsResponse := false
	if n := len(s.Messages); n > 0 {
		needsResponse = s.Messages[n-1].Kind == KindQuestion
	}
	return StepResult{Session: s, NeedsResponse: needsResponse, Complete: s.Phase == PhaseComplete}
}

// --- Gathering ---

type nextQuestion struct {
	Content string   `json:"content"`
	Options []string `json:"options,omitempty"`
	Agent   string   `json:"agent"`
}

type requirementsAgentResponse struct {
	UpdatedRequirements Requirements       `json:"updated_requirements"`
	ConfidenceScores    map[string]float64 `json:"confidence_scores"`
	ReadyToDesign       bool               `json:"ready_to_design"`
	NextQuestion        *nextQuestion      `json:"next_question"`
	Summary             string             `json:"summary"`
}

func (e *Engine) handleGathering(ctx context.Context, s *Session, provider string, lock SessionLock) error {
	client, err := e.clients.CreateClientWithModel(provider, config.RoleFast, "")
	if err != nil {
		return fmt.Errorf("gathering: %w", err)
	}

	userPrompt := buildRequirementsPrompt(s)
	ctx = llm.ContextWithRole(ctx, "gathering")
	resp, err := client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(prompts.SystemPromptFor(prompts.RoleRequirements)),
		llm.NewUserMessage(userPrompt),
	}))
	if err != nil {
		s.appendMessage(time.Now(), KindSystem, "", fmt.Sprintf("requirements agent call failed: %v", err), nil)
		return nil
	}

	var parsed requirementsAgentResponse
	if err := json.Unmarshal([]byte(llm.ExtractCodeBlock(resp.Content)), &parsed); err != nil {
		s.appendMessage(time.Now(), KindSystem, "", "requirements agent returned unparseable output", nil)
		return nil
	}

	mergeRequirements(&s.Requirements, parsed.UpdatedRequirements)
	if s.Requirements.Confidence == nil {
		s.Requirements.Confidence = make(map[string]float64)
	}
	for section, score := range parsed.ConfidenceScores {
		s.Requirements.Confidence[section] = score
	}

	now := time.Now()
	if parsed.Summary != "" {
		s.appendMessage(now, KindAgent, AgentRequirements, parsed.Summary, nil)
	}

	// Trust the agent's ready_to_design flag, but don't let a
	// miscalibrated response skip the confidence floor entirely: both
	// must agree before Gathering hands off to Analyzing.
	if parsed.ReadyToDesign && readyToDesign(s.Requirements) {
		if s.transitionTo(PhaseAnalyzing) {
			return e.handleAnalyzing(ctx, s, provider, lock)
		}
		return nil
	}

	if parsed.NextQuestion != nil {
		s.appendMessage(now, KindQuestion, AgentRole(parsed.NextQuestion.Agent), parsed.NextQuestion.Content,
			map[string]any{"options": parsed.NextQuestion.Options})
	}
	return nil
}

func buildRequirementsPrompt(s *Session) string {
	var b strings.Builder
	b.WriteString("Current requirements brief (JSON):\n")
	if encoded, err := json.Marshal(s.Requirements); err == nil {
		b.Write(encoded)
	}
	b.WriteString("\n\nRecent conversation:\n")
	history := s.Messages
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	for _, m := range history {
		fmt.Fprintf(&b, "[%s] %s\n", m.Kind, m.Content)
	}
	return b.String()
}

// --- Analyzing ---

type specialistResponse struct {
	Concerns []string `json:"concerns"`
	Issues   []string `json:"issues"`
	Summary  string   `json:"summary"`
}

type specialistOutcome struct {
	role AgentRole
	resp specialistResponse
	ok   bool
}

func (e *Engine) handleAnalyzing(ctx context.Context, s *Session, provider string, lock SessionLock) error {
	specialists := []struct {
		role       AgentRole
		promptRole prompts.Role
	}{
		{AgentDesigner, prompts.RoleDesigner},
	}
	if s.Requirements.Physical.NeedsStructuralAnalysis || s.Requirements.Physical.ExpectedLoadKG > 0 {
		specialists = append(specialists, struct {
			role       AgentRole
			promptRole prompts.Role
		}{AgentPhysics, prompts.RolePhysics})
	}
	specialists = append(specialists, struct {
		role       AgentRole
		promptRole prompts.Role
	}{AgentManufacturing, prompts.RoleManufacturing})

	// requirements is snapshotted before the lock is released: the
	// fan-out below must not read s.Requirements again without holding
	// the lock, since a concurrent handler could be mutating it.
	reqSnapshot := s.Requirements

	// Each specialist runs concurrently in its own goroutine, bounded to
	// the fixed, small fan-out width computed above; results land in a
	// pre-sized slice indexed by position so no two goroutines ever
	// write the same slot. The session lock is released for the
	// duration of the remote calls and reacquired only to append the
	// compiled result, per the store's locking contract.
	outcomes := make([]specialistOutcome, len(specialists))
	releaseLock(lock)
	var wg sync.WaitGroup
	wg.Add(len(specialists))
	for i, spec := range specialists {
		go func(i int, role AgentRole, promptRole prompts.Role) {
			defer wg.Done()
			resp, err := e.runSpecialist(ctx, provider, role, promptRole, reqSnapshot)
			if err != nil {
				e.logger.Warn("specialist %s failed: %v", role, err)
				outcomes[i] = specialistOutcome{role: role, ok: false}
				return
			}
			outcomes[i] = specialistOutcome{role: role, resp: resp, ok: true}
		}(i, spec.role, spec.promptRole)
	}
	wg.Wait()
	reacquireLock(lock)

	var concerns []string
	var summaryLines []string
	for _, o := range outcomes {
		if !o.ok {
			continue // that specialist's section is simply omitted
		}
		concerns = append(concerns, o.resp.Concerns...)
		concerns = append(concerns, o.resp.Issues...)
		if o.resp.Summary != "" {
			summaryLines = append(summaryLines, fmt.Sprintf("%s: %s", o.role, o.resp.Summary))
		}
	}
	if len(concerns) > maxConcerns {
		concerns = concerns[:maxConcerns]
	}

	now := time.Now()
	if len(summaryLines) > 0 {
		s.appendMessage(now, KindAgent, "", strings.Join(summaryLines, "\n"), nil)
	}

	if len(concerns) > 0 {
		if s.transitionTo(PhaseReviewing) {
			var b strings.Builder
			b.WriteString("The specialist review surfaced some concerns:\n")
			for _, c := range concerns {
				b.WriteString("- ")
				b.WriteString(c)
				b.WriteString("\n")
			}
			b.WriteString("Proceed anyway?")
			s.appendMessage(now, KindQuestion, AgentCoordinator, b.String(),
				map[string]any{"options": []string{"yes", "no"}})
		}
		return nil
	}

	if s.transitionTo(PhaseDesigning) {
		return e.handleDesigning(ctx, s, provider, "")
	}
	return nil
}

func (e *Engine) runSpecialist(ctx context.Context, provider string, role AgentRole, promptRole prompts.Role, req Requirements) (specialistResponse, error) {
	client, err := e.clients.CreateClientWithModel(provider, config.RoleFast, "")
	if err != nil {
		return specialistResponse{}, err
	}

	encoded, _ := json.Marshal(req)
	ctx = llm.ContextWithRole(ctx, "analyzing:"+string(role))
	resp, err := client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(prompts.SystemPromptFor(promptRole)),
		llm.NewUserMessage("Analyze this requirements brief for concerns relevant to your specialty:\n" + string(encoded)),
	}))
	if err != nil {
		return specialistResponse{}, err
	}

	var parsed specialistResponse
	if err := json.Unmarshal([]byte(llm.ExtractCodeBlock(resp.Content)), &parsed); err != nil {
		return specialistResponse{}, fmt.Errorf("conversation: specialist %s: %w", role, err)
	}
	return parsed, nil
}

// --- Reviewing ---

func (e *Engine) handleReviewing(ctx context.Context, s *Session, userText, provider string) error {
	if isApproval(userText) {
		if s.transitionTo(PhaseDesigning) {
			return e.handleDesigning(ctx, s, provider, "")
		}
		return nil
	}
	s.transitionTo(PhaseGathering)
	s.appendMessage(time.Now(), KindQuestion, AgentCoordinator,
		"What would you like to change before we continue?", nil)
	return nil
}

// --- Designing ---

func (e *Engine) handleDesigning(ctx context.Context, s *Session, provider, extraNote string) error {
	if extraNote != "" {
		// Written back onto the session's own Requirements, not a local
		// copy: a later Designing pass (another "modify" round, or the
		// brief a restart is supposed to preserve) must see this text too.
		s.Requirements.Description = strings.TrimSpace(s.Requirements.Description + "\n" + extraNote)
	}
	brief := buildDesignBrief(s.Requirements)

	images := make([]llm.Image, 0, len(s.Attachments))
	for _, a := range s.Attachments {
		images = append(images, llm.Image{Data: a.Data, MIME: a.MimeType})
	}
	contextParts := make([]pipeline.ContextPart, 0, len(s.ContextParts))
	for _, cp := range s.ContextParts {
		contextParts = append(contextParts, pipeline.ContextPart{Name: cp.Name, Code: cp.Code})
	}

	existingCode := ""
	if s.HasCode {
		existingCode = s.GeneratedCode
	}

	result, err := e.pipeline.Run(ctx, pipeline.RunInput{
		Prompt:          brief,
		Provider:        provider,
		ModelOverride:   s.ModelOverride,
		Attachments:     images,
		ExistingCode:    existingCode,
		ContextParts:    contextParts,
		UseOptimization: true,
		UseReview:       len(images) > 0,
	})
	if err != nil {
		// An LLMPermanent failure (auth/quota/bad prompt) is surfaced, not
		// folded into the conversation as a recoverable hiccup: the error
		// is returned and ProcessUserMessage restores the phase the session
		// had before the message, so a caller can retry the same step once
		// the underlying cause (credentials, quota) is fixed, rather than
		// being pushed into Reviewing with nothing to review.
		s.appendMessage(time.Now(), KindSystem, "", fmt.Sprintf("design pipeline error: %v", err), nil)
		return err
	}

	now := time.Now()
	if !result.Success {
		s.appendMessage(now, KindSystem, "", "design pipeline exhausted its retry budget without producing a valid script", nil)
		s.transitionTo(PhaseReviewing)
		return nil
	}

	s.GeneratedCode = result.Code
	s.HasCode = true
	data := map[string]any{}
	if result.BBox != nil {
		data["bbox"] = *result.BBox
	}
	s.appendMessage(now, KindCode, AgentEngineer, result.Code, data)

	if len(result.Validation.Warnings) > 0 {
		var warnings []string
		for _, w := range result.Validation.Warnings {
			warnings = append(warnings, w.Message)
		}
		s.appendMessage(now, KindValidation, AgentValidator, strings.Join(warnings, "\n"), nil)
	}
	if len(result.Suggestions) > 0 {
		s.appendMessage(now, KindSuggestion, AgentValidator, strings.Join(result.Suggestions, "\n"), nil)
	}

	s.appendMessage(now, KindQuestion, AgentCoordinator, "How would you like to proceed?",
		map[string]any{"options": []string{"Finalize", "Modify", "Restart"}})
	s.transitionTo(PhaseFinalizing)
	return nil
}

// --- Finalizing ---

func (e *Engine) handleFinalizing(ctx context.Context, s *Session, userText, provider string) error {
	switch {
	case isFinalize(userText):
		s.transitionTo(PhaseComplete)
		return nil
	case isRestart(userText):
		description := s.Requirements.Description
		s.Requirements = Requirements{Description: description, Confidence: make(map[string]float64)}
		s.GeneratedCode = ""
		s.HasCode = false
		s.transitionTo(PhaseGathering)
		return nil
	case isModify(userText):
		s.appendMessage(time.Now(), KindQuestion, AgentCoordinator, "What changes would you like?", nil)
		return nil
	default:
		if s.transitionTo(PhaseDesigning) {
			return e.handleDesigning(ctx, s, provider, userText)
		}
		return nil
	}
}
