package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadforge/pkg/cadexec"
	"cadforge/pkg/config"
	"cadforge/pkg/gateway/llm"
	"cadforge/pkg/gateway/llmerrors"
)

const validScript = `import cadquery as cq
length = 40
width = 20
thickness = 5
result = cq.Workplane("XY").box(length, width, thickness)
`

// fakeClient is a scripted llm.LLMClient: each call to Complete returns
// the next queued response in order.
type fakeClient struct {
	responses []string
	calls     int
}

func (f *fakeClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return llm.CompletionResponse{Content: f.responses[idx]}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeClient) GetDefaultConfig() config.Model {
	return config.Model{}
}

// erroringThenClient fails its first errCalls invocations with a
// transient-shaped error, then serves responses in order, simulating a
// Design stage that recovers after a flaky LLM call.
type erroringThenClient struct {
	errCalls int
	fakeClient
}

func (f *erroringThenClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	if f.calls < f.errCalls {
		f.calls++
		return llm.CompletionResponse{}, &neverError{"simulated transient LLM error"}
	}
	return f.fakeClient.Complete(ctx, req)
}

// permanentErrorClient always fails with an LLMPermanent-shaped error
// (auth/quota), simulating a Design stage that cannot be fixed by
// retrying.
type permanentErrorClient struct {
	fakeClient
}

func (f *permanentErrorClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	f.calls++
	return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeAuth, "invalid API key")
}

// fakeFactory hands back a pre-registered fakeClient per role, ignoring
// provider and model override.
type fakeFactory struct {
	byRole map[config.AgentRole]llm.LLMClient
}

func (f *fakeFactory) CreateClientWithModel(provider string, role config.AgentRole, modelOverride string) (llm.LLMClient, error) {
	c, ok := f.byRole[role]
	if !ok {
		return nil, assertNever("no fake client registered for role")
	}
	return c, nil
}

func assertNever(msg string) error {
	return &neverError{msg}
}

type neverError struct{ msg string }

func (e *neverError) Error() string { return e.msg }

// fakeExecutor returns scripted results keyed by call order, so a test
// can simulate a first-attempt failure followed by a successful retry.
type fakeExecutor struct {
	results []cadexec.Result
	errs    []error
	calls   int
}

func (f *fakeExecutor) Execute(ctx context.Context, script string, deadline time.Duration) (cadexec.Result, error) {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.results[idx], err
}

func testCfg() config.PipelineConfig {
	return config.PipelineConfig{MaxIterations: 3}
}

func testDeadlines() config.DeadlinesConfig {
	return config.DeadlinesConfig{LLMSeconds: 5, ExecSeconds: 5}
}

func TestRun_SucceedsOnFirstAttempt(t *testing.T) {
	design := &fakeClient{responses: []string{"```python\n" + validScript + "```"}}
	fast := &fakeClient{responses: []string{`{"issues":[],"suggestions":[]}`}}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
		config.RoleFast: fast,
	}}
	exec := &fakeExecutor{results: []cadexec.Result{
		{OK: true, BBox: &cadexec.BoundingBox{X: 40, Y: 20, Z: 5}},
	}}

	p := New(factory, exec, testCfg(), testDeadlines())
	result, err := p.Run(context.Background(), RunInput{Prompt: "a small bracket"})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 1, design.calls)
	require.NotNil(t, result.BBox)
	assert.InDelta(t, 40.0, result.BBox.X, 0.001)
}

// TestRun_RetriesOnExecutionFailure exercises a design attempt whose
// script fails to execute, followed by a corrected retry that succeeds
// (the retry-on-validation-error scenario).
func TestRun_RetriesOnExecutionFailure(t *testing.T) {
	badScript := "```python\nimport cadquery as cq\nresult = cq.Workplane(\"XY\").box(1,1,1)\n```"
	goodScript := "```python\n" + validScript + "```"
	design := &fakeClient{responses: []string{badScript, goodScript}}
	fast := &fakeClient{responses: []string{`{"issues":[],"suggestions":[]}`}}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
		config.RoleFast: fast,
	}}
	exec := &fakeExecutor{results: []cadexec.Result{
		{OK: false, Error: "NameError: something went wrong"},
		{OK: true, BBox: &cadexec.BoundingBox{X: 40, Y: 20, Z: 5}},
	}}

	p := New(factory, exec, testCfg(), testDeadlines())
	result, err := p.Run(context.Background(), RunInput{Prompt: "a small bracket"})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 2, design.calls)
}

func TestRun_ExhaustsRetryBudget(t *testing.T) {
	badScript := "```python\nimport cadquery as cq\nresult = cq.Workplane(\"XY\").box(1,1,1)\n```"
	design := &fakeClient{responses: []string{badScript, badScript, badScript, badScript}}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
	}}
	exec := &fakeExecutor{results: []cadexec.Result{
		{OK: false, Error: "NameError: something went wrong"},
	}}

	p := New(factory, exec, testCfg(), testDeadlines())
	result, err := p.Run(context.Background(), RunInput{Prompt: "a small bracket"})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 4, result.Iterations)
}

// TestRun_OptimizationDiscardedOnFailure exercises the optimization
// stage's silent-fallback behavior: a candidate that fails execution
// leaves the prior successful code untouched.
func TestRun_OptimizationDiscardedOnFailure(t *testing.T) {
	design := &fakeClient{responses: []string{"```python\n" + validScript + "```"}}
	fast := &fakeClient{responses: []string{
		`{"issues":[],"suggestions":[]}`,                                      // validation review
		"```python\nimport cadquery as cq\nresult = cq.Workplane(\"XY\")\n```", // optimize candidate
	}}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
		config.RoleFast: fast,
	}}
	exec := &fakeExecutor{results: []cadexec.Result{
		{OK: true, BBox: &cadexec.BoundingBox{X: 40, Y: 20, Z: 5}}, // initial validate
		{OK: false, Error: "optimization candidate broke geometry"},
	}}

	p := New(factory, exec, testCfg(), testDeadlines())
	result, err := p.Run(context.Background(), RunInput{Prompt: "a small bracket", UseOptimization: true})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Code, "box(length, width, thickness)")
	found := false
	for _, tr := range result.Trace {
		if tr.Stage == "optimize" && tr.Note == "optimization skipped: candidate failed execution" {
			found = true
		}
	}
	assert.True(t, found, "expected a trace entry noting the discarded optimization")
}

func TestRun_OptimizationAppliedOnSuccess(t *testing.T) {
	betterScript := "```python\n" + validScript + "```"
	design := &fakeClient{responses: []string{"```python\n" + validScript + "```"}}
	fast := &fakeClient{responses: []string{
		`{"issues":[],"suggestions":[]}`,
		betterScript,
	}}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
		config.RoleFast: fast,
	}}
	exec := &fakeExecutor{results: []cadexec.Result{
		{OK: true, BBox: &cadexec.BoundingBox{X: 40, Y: 20, Z: 5}},
		{OK: true, BBox: &cadexec.BoundingBox{X: 41, Y: 20, Z: 5}},
	}}

	p := New(factory, exec, testCfg(), testDeadlines())
	result, err := p.Run(context.Background(), RunInput{Prompt: "a small bracket", UseOptimization: true})

	require.NoError(t, err)
	assert.True(t, result.Success)
	require.NotNil(t, result.BBox)
	assert.InDelta(t, 41.0, result.BBox.X, 0.001)
}

func TestRun_ReviewSkippedWithoutAttachments(t *testing.T) {
	design := &fakeClient{responses: []string{"```python\n" + validScript + "```"}}
	fast := &fakeClient{responses: []string{`{"issues":[],"suggestions":[]}`}}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
		config.RoleFast: fast,
	}}
	exec := &fakeExecutor{results: []cadexec.Result{
		{OK: true, BBox: &cadexec.BoundingBox{X: 40, Y: 20, Z: 5}},
	}}

	p := New(factory, exec, testCfg(), testDeadlines())
	result, err := p.Run(context.Background(), RunInput{Prompt: "a small bracket", UseReview: true})

	require.NoError(t, err)
	for _, tr := range result.Trace {
		assert.NotEqual(t, "review", tr.Stage)
	}
}

func TestRun_ReviewRunsWithAttachments(t *testing.T) {
	design := &fakeClient{responses: []string{"```python\n" + validScript + "```"}}
	fast := &fakeClient{responses: []string{
		`{"issues":[],"suggestions":[]}`,
		`{"score":8,"matches":true,"differences":[],"suggestions":["consider a fillet"]}`,
	}}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
		config.RoleFast: fast,
	}}
	exec := &fakeExecutor{results: []cadexec.Result{
		{OK: true, BBox: &cadexec.BoundingBox{X: 40, Y: 20, Z: 5}},
	}}

	p := New(factory, exec, testCfg(), testDeadlines())
	result, err := p.Run(context.Background(), RunInput{
		Prompt:      "a small bracket",
		UseReview:   true,
		Attachments: []llm.Image{{Data: []byte("fake-jpeg-bytes"), MIME: "image/jpeg"}},
	})

	require.NoError(t, err)
	assert.Contains(t, result.Suggestions, "consider a fillet")
}

func TestRun_RejectsEmptyInput(t *testing.T) {
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{}}
	exec := &fakeExecutor{}
	p := New(factory, exec, testCfg(), testDeadlines())

	_, err := p.Run(context.Background(), RunInput{})
	assert.Error(t, err)
}

// TestRun_ZeroMaxIterationsMeansNoRetry exercises the boundary
// behavior of a zero retry budget: exactly one design+validate runs,
// then the pipeline reports failure.
func TestRun_ZeroMaxIterationsMeansNoRetry(t *testing.T) {
	badScript := "```python\nimport cadquery as cq\nresult = cq.Workplane(\"XY\").box(1,1,1)\n```"
	design := &fakeClient{responses: []string{badScript}}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
	}}
	exec := &fakeExecutor{results: []cadexec.Result{
		{OK: false, Error: "NameError: something went wrong"},
	}}

	p := New(factory, exec, config.PipelineConfig{MaxIterations: 0}, testDeadlines())
	result, err := p.Run(context.Background(), RunInput{Prompt: "a small bracket"})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 1, design.calls)
}

// TestRun_RecoversFromTransientDesignCallFailure exercises §5's "a
// failed LLM call on Design counts toward the retry budget" rule: the
// first Design call errors outright (no code at all, not a validation
// failure), and the pipeline must retry rather than surfacing a bare
// error from Run.
func TestRun_RecoversFromTransientDesignCallFailure(t *testing.T) {
	design := &erroringThenClient{
		errCalls:   1,
		fakeClient: fakeClient{responses: []string{"```python\n" + validScript + "```"}},
	}
	fast := &fakeClient{responses: []string{`{"issues":[],"suggestions":[]}`}}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
		config.RoleFast: fast,
	}}
	exec := &fakeExecutor{results: []cadexec.Result{
		{OK: true, BBox: &cadexec.BoundingBox{X: 40, Y: 20, Z: 5}},
	}}

	p := New(factory, exec, testCfg(), testDeadlines())
	result, err := p.Run(context.Background(), RunInput{Prompt: "a small bracket"})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Iterations)
	found := false
	for _, tr := range result.Trace {
		if tr.Stage == "design" && tr.Note != "initial design produced" {
			found = true
		}
	}
	assert.True(t, found, "expected a trace entry noting the failed initial design call")
}

// TestRun_SurfacesPermanentDesignCallFailure exercises §7's LLMPermanent
// rule: an auth/quota failure on the Design stage must not be retried or
// folded into the "retry budget exhausted" outcome — it has to come back
// as an error from Run so the caller can distinguish it from an
// ordinary validation/execution failure.
func TestRun_SurfacesPermanentDesignCallFailure(t *testing.T) {
	design := &permanentErrorClient{}
	factory := &fakeFactory{byRole: map[config.AgentRole]llm.LLMClient{
		config.RoleBest: design,
	}}
	exec := &fakeExecutor{}

	p := New(factory, exec, testCfg(), testDeadlines())
	_, err := p.Run(context.Background(), RunInput{Prompt: "a small bracket"})

	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
	assert.Equal(t, 1, design.calls, "a permanent failure must not be retried")
}

func TestDefaultPrinterSettings(t *testing.T) {
	s := DefaultPrinterSettings()
	assert.Equal(t, 220.0, s.BuildVolumeX)
	assert.Equal(t, 0.4, s.NozzleDiameterMM)
}
