package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cadforge/pkg/conversation"
	"cadforge/pkg/gateway/llm"
	"cadforge/pkg/journal"
	"cadforge/pkg/pipeline"
	"cadforge/pkg/session"
)

// maxAttachmentBytes bounds a single attachment's binary payload (§6).
const maxAttachmentBytes = 10 * 1024 * 1024

// Service wires the Session Store, Conversation Engine, and Agent
// Pipeline behind the §6 functional API. It holds no session state of
// its own — the Store owns that — so a Service is safe to share across
// concurrently-handled sessions.
type Service struct {
	store    *session.Store
	engine   *conversation.Engine
	pipeline *pipeline.Pipeline
	journal  *journal.Writer
}

// New constructs a Service over an already-wired Store, Engine, and
// Pipeline (see cmd/cadforge for full process wiring from a loaded
// config.Config). The journal is left disabled; use WithJournal to
// attach one.
func New(store *session.Store, engine *conversation.Engine, p *pipeline.Pipeline) *Service {
	return &Service{store: store, engine: engine, pipeline: p}
}

// WithJournal attaches an optional SQLite-backed mutation journal (§9's
// "the model supports straightforward journaling" note) and returns s for
// chaining. A nil journal, or never calling this, leaves journaling
// disabled — every journal.Writer method tolerates a nil receiver.
func (s *Service) WithJournal(w *journal.Writer) *Service {
	s.journal = w
	return s
}

func (s *Service) record(ctx context.Context, sessionID string, phase conversation.Phase, eventKind, content string) {
	if s.journal == nil {
		return
	}
	_ = s.journal.Append(ctx, sessionID, string(phase), eventKind, content, time.Now().Unix())
}

// StepResult mirrors conversation.StepResult at the core's external
// boundary.
type StepResult = conversation.StepResult

// AttachmentInput is the caller-supplied shape for a new attachment,
// ahead of the id the store assigns it.
type AttachmentInput struct {
	Data     []byte
	MimeType string
	Name     string
	IsSketch bool
}

func validateAttachment(a AttachmentInput) error {
	if !allowedAttachmentMIMEs[a.MimeType] {
		return fmt.Errorf("%w: attachment mime type %q not allowed", ErrInvalidInput, a.MimeType)
	}
	if len(a.Data) > maxAttachmentBytes {
		return fmt.Errorf("%w: attachment exceeds %d byte limit", ErrInvalidInput, maxAttachmentBytes)
	}
	return nil
}

// SessionCreate creates a new Session, optionally seeded with an
// initial free-text prompt, reference attachments, and sibling context
// parts for assembly coherence. partID is accepted for the caller's
// own bookkeeping (persisted alongside the eventual generated code by
// an external PartRepository) — the core does not interpret it.
func (s *Service) SessionCreate(_ string, initialPrompt string, attachments []AttachmentInput, contextParts []conversation.ContextPart) (*conversation.Session, error) {
	now := time.Now()

	var sess *conversation.Session
	if initialPrompt != "" {
		sess = conversation.NewSessionWithPrompt(now, initialPrompt)
	} else {
		sess = conversation.NewSession(now)
	}
	sess.ContextParts = contextParts

	for _, a := range attachments {
		if err := validateAttachment(a); err != nil {
			return nil, err
		}
		if _, ok := sess.AddAttachment(now, conversation.Attachment{
			Data: a.Data, MimeType: a.MimeType, Name: a.Name, IsSketch: a.IsSketch,
		}); !ok {
			return nil, fmt.Errorf("%w: attachment cap (%d) exceeded", ErrInvalidInput, conversation.MaxAttachments)
		}
	}

	if len(attachments) > 0 {
		sess.NoteAttachmentsAtCreation(now, len(attachments))
	}

	s.store.Create(sess)
	s.record(context.Background(), sess.ID, sess.Phase, "session_create", initialPrompt)
	return sess, nil
}

// SessionStart begins a session's dialogue (a Coordinator greeting
// followed by the first Gathering pass). model, if non-empty, pins the
// design stage's model for this and subsequent turns until overridden
// again.
func (s *Service) SessionStart(ctx context.Context, sessionID, provider, model string) (StepResult, error) {
	var result StepResult
	err := s.store.WithSessionUnlocking(sessionID, func(sess *conversation.Session, lock conversation.SessionLock) error {
		var stepErr error
		result, stepErr = s.engine.Start(ctx, sess, provider, model, lock)
		return stepErr
	})
	if errors.Is(err, session.ErrNotFound) {
		return StepResult{}, fmt.Errorf("%w: session %q: %w", ErrNotFound, sessionID, err)
	}
	if err == nil {
		s.record(ctx, sessionID, result.Session.Phase, "session_start", "")
	}
	return result, err
}

// SessionSend advances sessionID's dialogue with a new user message,
// dispatching to whichever phase handler is current.
func (s *Service) SessionSend(ctx context.Context, sessionID, userText, provider, model string) (StepResult, error) {
	var result StepResult
	err := s.store.WithSessionUnlocking(sessionID, func(sess *conversation.Session, lock conversation.SessionLock) error {
		var stepErr error
		result, stepErr = s.engine.ProcessUserMessage(ctx, sess, userText, provider, model, lock)
		return stepErr
	})
	if errors.Is(err, session.ErrNotFound) {
		return StepResult{}, fmt.Errorf("%w: session %q: %w", ErrNotFound, sessionID, err)
	}
	if errors.Is(err, conversation.ErrEmptyMessage) {
		return StepResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err == nil {
		s.record(ctx, sessionID, result.Session.Phase, "session_send", userText)
	}
	return result, err
}

// SessionAddAttachment appends an attachment to sessionID outside of a
// phase handler (the Session Store's lightweight append-only path,
// §5): it does not advance the dialogue state machine.
func (s *Service) SessionAddAttachment(sessionID string, a AttachmentInput) (string, error) {
	if err := validateAttachment(a); err != nil {
		return "", err
	}
	id, err := s.store.AddAttachment(sessionID, conversation.Attachment{
		Data: a.Data, MimeType: a.MimeType, Name: a.Name, IsSketch: a.IsSketch,
	})
	if errors.Is(err, session.ErrNotFound) {
		return "", fmt.Errorf("%w: session %q: %w", ErrNotFound, sessionID, err)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return id, nil
}

// SessionGet returns a point-in-time snapshot of sessionID.
func (s *Service) SessionGet(sessionID string) (*conversation.Session, error) {
	sess, err := s.store.Get(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %q: %w", ErrNotFound, sessionID, err)
	}
	return sess, err
}

// SessionDelete removes sessionID from the store.
func (s *Service) SessionDelete(sessionID string) error {
	err := s.store.Delete(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: session %q: %w", ErrNotFound, sessionID, err)
	}
	if err == nil {
		s.record(context.Background(), sessionID, "", "session_delete", "")
	}
	return err
}

// PipelineRunInput is the caller-facing shape of a standalone
// pipeline_run invocation — generating or regenerating one script
// outside of any conversation session (e.g. a direct "regenerate this
// part" action from an external editor UI).
type PipelineRunInput struct {
	Prompt          string
	Provider        string
	Model           string
	Attachments     []AttachmentInput
	ExistingCode    string
	ContextParts    []conversation.ContextPart
	PrinterSettings *pipeline.PrinterSettings
	UseOptimization bool
	UseReview       bool
}

// PipelineRun runs the Agent Pipeline directly, without a Conversation
// Engine session, exposing the raw design -> validate -> retry ->
// optimize -> review sequence (§6 pipeline_run).
func (s *Service) PipelineRun(ctx context.Context, in PipelineRunInput) (pipeline.RunResult, error) {
	images := make([]llm.Image, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		if err := validateAttachment(a); err != nil {
			return pipeline.RunResult{}, err
		}
		images = append(images, llm.Image{Data: a.Data, MIME: a.MimeType})
	}

	contextParts := make([]pipeline.ContextPart, 0, len(in.ContextParts))
	for _, cp := range in.ContextParts {
		contextParts = append(contextParts, pipeline.ContextPart{Name: cp.Name, Code: cp.Code})
	}

	return s.pipeline.Run(ctx, pipeline.RunInput{
		Prompt:          in.Prompt,
		Provider:        in.Provider,
		ModelOverride:   in.Model,
		Attachments:     images,
		ExistingCode:    in.ExistingCode,
		ContextParts:    contextParts,
		PrinterSettings: in.PrinterSettings,
		UseOptimization: in.UseOptimization,
		UseReview:       in.UseReview,
	})
}
