// Package pipeline orchestrates the Agent Pipeline (design, validate,
// optionally optimize, optionally review), with a bounded retry budget
// on validation failure. Each stage is its own separately-testable
// function so a retry re-invokes exactly Design+Validation, never the
// whole pipeline.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cadforge/pkg/cadexec"
	"cadforge/pkg/cadvalidator"
	"cadforge/pkg/config"
	"cadforge/pkg/gateway/llm"
	"cadforge/pkg/gateway/llmerrors"
	"cadforge/pkg/logx"
	"cadforge/pkg/prompts"
)

// ClientFactory resolves a ready-to-call LLM client for a provider and
// routing role, optionally pinning an explicit model name. Satisfied
// structurally by *gateway.LLMClientFactory; tests supply a fake.
type ClientFactory interface {
	CreateClientWithModel(provider string, role config.AgentRole, modelOverride string) (llm.LLMClient, error)
}

// ContextPart is a sibling artifact referenced for assembly coherence.
type ContextPart struct {
	Name string
	Code string
}

// PrinterSettings bounds the target printer's build volume and
// resolution, used by the printability check after successful
// execution.
type PrinterSettings struct {
	BuildVolumeX       float64
	BuildVolumeY       float64
	BuildVolumeZ       float64
	LayerHeightMM      float64
	MinWallThicknessMM float64
	NozzleDiameterMM   float64
}

// DefaultPrinterSettings mirrors the original implementation's
// `_default_printer_settings`, used whenever a caller does not supply
// its own.
func DefaultPrinterSettings() PrinterSettings {
	return PrinterSettings{
		BuildVolumeX:       220,
		BuildVolumeY:       220,
		BuildVolumeZ:       250,
		LayerHeightMM:      0.2,
		MinWallThicknessMM: 1.2,
		NozzleDiameterMM:   0.4,
	}
}

// RunInput is everything the pipeline needs for one run.
type RunInput struct {
	Prompt          string
	Provider        string
	ModelOverride   string // model_opt; only the Design stage honors it
	Attachments     []llm.Image
	ExistingCode    string
	ContextParts    []ContextPart
	PrinterSettings *PrinterSettings // nil -> DefaultPrinterSettings()
	UseOptimization bool
	UseReview       bool
}

// TraceMessage is one append-only entry in a run's trace.
type TraceMessage struct {
	Stage string
	Note  string
}

// RunResult is the outcome of one pipeline_run.
type RunResult struct {
	Code        string
	BBox        *cadexec.BoundingBox
	Validation  cadvalidator.Result
	Suggestions []string
	Trace       []TraceMessage
	Iterations  int
	Success     bool
}

// Pipeline wires the LLM Gateway, Code Validator, and CAD Executor
// Client into the five-stage design/validate/retry/optimize/review
// sequence described by the Agent Pipeline.
type Pipeline struct {
	clients      ClientFactory
	executor     cadexec.Executor
	cfg          config.PipelineConfig
	execDeadline config.DeadlinesConfig
	logger       *logx.Logger
}

// New constructs a Pipeline.
func New(clients ClientFactory, executor cadexec.Executor, cfg config.PipelineConfig, deadlines config.DeadlinesConfig) *Pipeline {
	return &Pipeline{
		clients:      clients,
		executor:     executor,
		cfg:          cfg,
		execDeadline: deadlines,
		logger:       logx.NewLogger("pipeline"),
	}
}

// Run executes the full design -> validate -> retry -> optimize ->
// review sequence for in.
func (p *Pipeline) Run(ctx context.Context, in RunInput) (RunResult, error) {
	if strings.TrimSpace(in.Prompt) == "" && strings.TrimSpace(in.ExistingCode) == "" && len(in.Attachments) == 0 {
		return RunResult{}, fmt.Errorf("pipeline: empty prompt, no attachments, and no existing code")
	}

	printer := DefaultPrinterSettings()
	if in.PrinterSettings != nil {
		printer = *in.PrinterSettings
	}

	var result RunResult
	var fixHints []string

	// A failed LLM call on the initial Design attempt is itself a stage
	// failure, not a reason to abort the whole run: it counts toward the
	// retry budget exactly like a validation or execution failure would
	// (§5's "LLMTransient... counts toward the retry budget, not as a
	// silent skip"). An empty code + invalid Result naturally satisfies
	// hasValidationErrors below, so the retry loop picks it up.
	var valResult cadvalidator.Result
	var bbox *cadexec.BoundingBox
	var execErr string
	var suggestions []string
	code, err := p.stageDesign(ctx, in, fixHints)
	if err != nil {
		if isPermanentLLMError(err) {
			result.Trace = append(result.Trace, TraceMessage{Stage: "design", Note: fmt.Sprintf("initial design call failed permanently: %v", err)})
			return result, fmt.Errorf("pipeline: design stage: %w", err)
		}
		execErr = err.Error()
		result.Trace = append(result.Trace, TraceMessage{Stage: "design", Note: fmt.Sprintf("initial design call failed: %v", err)})
	} else {
		result.Code = code
		result.Trace = append(result.Trace, TraceMessage{Stage: "design", Note: "initial design produced"})

		valResult, bbox, execErr, suggestions = p.stageValidate(ctx, in.Provider, code, printer)
		result.Validation = valResult
		result.Code = valResult.CorrectedCode
		result.BBox = bbox
		result.Suggestions = append(result.Suggestions, suggestions...)
	}

	iterations := 0
	for (hasValidationErrors(valResult) || execErr != "") && iterations < p.cfg.MaxIterations {
		iterations++
		if !valResult.Valid {
			for _, e := range valResult.Errors {
				fixHints = append(fixHints, e.Message)
			}
		}
		if execErr != "" {
			fixHints = append(fixHints, execErr)
			fixHints = append(fixHints, cadvalidator.GetErrorFixSuggestions(execErr)...)
		}

		code, err = p.stageDesign(ctx, in, fixHints)
		if err != nil {
			if isPermanentLLMError(err) {
				result.Iterations = iterations + 1
				result.Trace = append(result.Trace, TraceMessage{Stage: "retry", Note: fmt.Sprintf("design retry %d failed permanently: %v", iterations, err)})
				return result, fmt.Errorf("pipeline: design stage: %w", err)
			}
			result.Trace = append(result.Trace, TraceMessage{Stage: "retry", Note: fmt.Sprintf("design retry %d failed: %v", iterations, err)})
			break
		}
		result.Code = code
		result.Trace = append(result.Trace, TraceMessage{Stage: "retry", Note: fmt.Sprintf("retry %d: design regenerated", iterations)})

		valResult, bbox, execErr, suggestions = p.stageValidate(ctx, in.Provider, code, printer)
		result.Validation = valResult
		result.Code = valResult.CorrectedCode
		result.BBox = bbox
		result.Suggestions = append(result.Suggestions, suggestions...)
	}
	// Iterations reports total design attempts made (the initial design
	// plus any retries), matching the reference scenario where one
	// retry after an initial failed attempt is reported as iterations=2.
	result.Iterations = iterations + 1

	if hasValidationErrors(valResult) || execErr != "" {
		result.Success = false
		result.Trace = append(result.Trace, TraceMessage{Stage: "validate", Note: "retry budget exhausted"})
		return result, nil
	}
	result.Success = true

	if in.UseOptimization {
		p.stageOptimize(ctx, in, &result, printer)
	}

	if in.UseReview && len(in.Attachments) > 0 {
		p.stageReview(ctx, in, &result)
	}

	return result, nil
}

func hasValidationErrors(r cadvalidator.Result) bool {
	return !r.Valid
}

// isPermanentLLMError reports whether err is an LLMPermanent failure per
// §7 (auth/quota/bad-prompt) rather than an LLMTransient one — the
// gateway classifies this on *llmerrors.Error, so a Design-stage call
// that fails this way must be surfaced, not folded into the retry
// budget like a transient failure or a validation/execution error.
func isPermanentLLMError(err error) bool {
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return !llmErr.IsRetryable()
	}
	return false
}

// stageDesign builds the design stage user prompt and calls the
// routed LLM (model_opt if given, else Best), extracting the returned
// code block.
func (p *Pipeline) stageDesign(ctx context.Context, in RunInput, fixHints []string) (string, error) {
	client, err := p.clients.CreateClientWithModel(in.Provider, config.RoleBest, in.ModelOverride)
	if err != nil {
		return "", fmt.Errorf("design: %w", err)
	}

	userPrompt := buildDesignPrompt(in, fixHints)
	messages := []llm.CompletionMessage{
		llm.NewSystemMessage(prompts.SystemPromptFor(prompts.RoleDesigner)),
	}
	if len(in.Attachments) > 0 {
		messages = append(messages, llm.NewUserVisionMessage(userPrompt, in.Attachments))
	} else {
		messages = append(messages, llm.NewUserMessage(userPrompt))
	}

	ctx = llm.ContextWithRole(ctx, "design")
	resp, err := client.Complete(ctx, llm.NewCompletionRequest(messages))
	if err != nil {
		return "", fmt.Errorf("design: %w", err)
	}

	return llm.ExtractCodeBlock(resp.Content), nil
}

func buildDesignPrompt(in RunInput, fixHints []string) string {
	var b strings.Builder
	b.WriteString(in.Prompt)

	if patterns := prompts.GetRelevantPatterns(in.Prompt); patterns != "" {
		b.WriteString("\n\nRelevant reference patterns:\n")
		b.WriteString(patterns)
	}

	if in.ExistingCode != "" {
		b.WriteString("\n\nExisting code to modify:\n")
		b.WriteString(in.ExistingCode)
	}

	if len(in.ContextParts) > 0 {
		b.WriteString("\n\nSibling assembly parts for reference:\n")
		for _, cp := range in.ContextParts {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", cp.Name, cp.Code)
		}
	}

	if len(fixHints) > 0 {
		b.WriteString("\n\nErrors to fix from the previous attempt:\n")
		for _, h := range fixHints {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteString("\n")
		}
	}

	return b.String()
}

// stageValidate runs the static validator and, if it passes, the CAD
// executor, then the printability check and Fast-model review prompt.
// execErr is empty on success.
func (p *Pipeline) stageValidate(ctx context.Context, provider, code string, printer PrinterSettings) (cadvalidator.Result, *cadexec.BoundingBox, string, []string) {
	valResult := cadvalidator.Validate(code)
	if !valResult.Valid {
		return valResult, nil, "", nil
	}

	execResult, err := p.executor.Execute(ctx, valResult.CorrectedCode, p.execDeadline.ExecDeadline())
	if err != nil {
		p.logger.Warn("executor call failed: %v", err)
		return valResult, nil, err.Error(), nil
	}
	if !execResult.OK {
		return valResult, nil, execResult.Error, nil
	}

	var warnings []string
	var bbox *cadexec.BoundingBox
	if execResult.BBox != nil {
		bbox = execResult.BBox
		warnings = append(warnings, printabilityWarnings(*bbox, printer)...)
	}

	warnings = append(warnings, p.fastReviewSuggestions(ctx, provider, valResult.CorrectedCode)...)

	return valResult, bbox, "", warnings
}

func printabilityWarnings(bbox cadexec.BoundingBox, printer PrinterSettings) []string {
	var warnings []string
	if overflow := bbox.X - printer.BuildVolumeX; overflow > 0 {
		warnings = append(warnings, fmt.Sprintf("part overflows build volume on X by %.1fmm", overflow))
	}
	if overflow := bbox.Y - printer.BuildVolumeY; overflow > 0 {
		warnings = append(warnings, fmt.Sprintf("part overflows build volume on Y by %.1fmm", overflow))
	}
	if overflow := bbox.Z - printer.BuildVolumeZ; overflow > 0 {
		warnings = append(warnings, fmt.Sprintf("part overflows build volume on Z by %.1fmm", overflow))
	}
	return warnings
}

type reviewJSON struct {
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

// fastReviewSuggestions asks a Fast model to review the validated code
// for manufacturability and design concerns, merging its issues and
// suggestions into the returned warning list. Non-parseable or failed
// review calls are silently skipped; this is an advisory pass, not a
// gate.
func (p *Pipeline) fastReviewSuggestions(ctx context.Context, provider, code string) []string {
	client, err := p.clients.CreateClientWithModel(provider, config.RoleFast, "")
	if err != nil {
		return nil
	}

	ctx = llm.ContextWithRole(ctx, "validation_review")
	resp, err := client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(prompts.SystemPromptFor(prompts.RoleManufacturing)),
		llm.NewUserMessage(fmt.Sprintf("Review this script for manufacturability and design concerns:\n%s", code)),
	}))
	if err != nil {
		return nil
	}

	var parsed reviewJSON
	if err := json.Unmarshal([]byte(llm.ExtractCodeBlock(resp.Content)), &parsed); err != nil {
		return nil
	}

	return append(parsed.Issues, parsed.Suggestions...)
}

// stageOptimize asks a Fast model to improve the current code given
// printer constraints and prior suggestions; discards the optimization
// silently if the result fails execution.
func (p *Pipeline) stageOptimize(ctx context.Context, in RunInput, result *RunResult, printer PrinterSettings) {
	client, err := p.clients.CreateClientWithModel(in.Provider, config.RoleFast, "")
	if err != nil {
		result.Trace = append(result.Trace, TraceMessage{Stage: "optimize", Note: fmt.Sprintf("optimization skipped: %v", err)})
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current script:\n%s\n\n", result.Code)
	fmt.Fprintf(&b, "Printer constraints: build volume %.0fx%.0fx%.0fmm, layer height %.2fmm, min wall %.2fmm.\n",
		printer.BuildVolumeX, printer.BuildVolumeY, printer.BuildVolumeZ, printer.LayerHeightMM, printer.MinWallThicknessMM)
	if len(result.Suggestions) > 0 {
		b.WriteString("Prior suggestions:\n")
		for _, s := range result.Suggestions {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	b.WriteString("Return an improved script, or the same script unchanged if no improvement is warranted.")

	ctx = llm.ContextWithRole(ctx, "optimize")
	resp, err := client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(prompts.SystemPromptFor(prompts.RoleEngineer)),
		llm.NewUserMessage(b.String()),
	}))
	if err != nil {
		result.Trace = append(result.Trace, TraceMessage{Stage: "optimize", Note: fmt.Sprintf("optimization call failed: %v", err)})
		return
	}

	candidate := llm.ExtractCodeBlock(resp.Content)
	valResult := cadvalidator.Validate(candidate)
	if !valResult.Valid {
		result.Trace = append(result.Trace, TraceMessage{Stage: "optimize", Note: "optimization skipped: candidate failed validation"})
		return
	}

	execResult, err := p.executor.Execute(ctx, valResult.CorrectedCode, p.execDeadline.ExecDeadline())
	if err != nil || !execResult.OK {
		result.Trace = append(result.Trace, TraceMessage{Stage: "optimize", Note: "optimization skipped: candidate failed execution"})
		return
	}

	result.Code = valResult.CorrectedCode
	result.BBox = execResult.BBox
	result.Trace = append(result.Trace, TraceMessage{Stage: "optimize", Note: "optimization applied"})
}

type reviewResultJSON struct {
	Differences []string `json:"differences"`
	Suggestions []string `json:"suggestions"`
	Score       int      `json:"score"`
	Matches     bool     `json:"matches"`
}

// stageReview asks a Fast vision model to compare the generated code
// and bounding box to the original intent and attached images.
// Non-fatal if the response does not parse as JSON.
func (p *Pipeline) stageReview(ctx context.Context, in RunInput, result *RunResult) {
	client, err := p.clients.CreateClientWithModel(in.Provider, config.RoleFast, "")
	if err != nil {
		result.Trace = append(result.Trace, TraceMessage{Stage: "review", Note: fmt.Sprintf("review skipped: %v", err)})
		return
	}

	prompt := fmt.Sprintf("Design intent: %s\n\nGenerated script:\n%s\n\nCompare the generated part to the attached reference images and the stated intent.",
		in.Prompt, result.Code)

	ctx = llm.ContextWithRole(ctx, "review")
	resp, err := client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(prompts.SystemPromptFor(prompts.RoleValidator)),
		llm.NewUserVisionMessage(prompt, in.Attachments),
	}))
	if err != nil {
		result.Trace = append(result.Trace, TraceMessage{Stage: "review", Note: fmt.Sprintf("review call failed: %v", err)})
		return
	}

	var parsed reviewResultJSON
	if err := json.Unmarshal([]byte(llm.ExtractCodeBlock(resp.Content)), &parsed); err != nil {
		result.Trace = append(result.Trace, TraceMessage{Stage: "review", Note: "review response did not parse as JSON, skipped"})
		return
	}

	result.Suggestions = append(result.Suggestions, parsed.Suggestions...)
	result.Trace = append(result.Trace, TraceMessage{Stage: "review", Note: fmt.Sprintf("review score %d, matches=%v", parsed.Score, parsed.Matches)})
}
