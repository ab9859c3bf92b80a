package cadexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoCommand builds a tiny shell command that echoes a fixed JSON payload
// to stdout, used in place of an actual CAD kernel for deterministic
// tests — no network, no Python interpreter required.
func echoCommand(payload string) []string {
	return []string{"echo", "-n", payload}
}

func TestExecute_Success(t *testing.T) {
	exec := NewSubprocessExecutor(echoCommand(`{"ok":true,"bbox":{"x":100,"y":100,"z":50}}`))
	result, err := exec.Execute(context.Background(), "result = cq.Workplane().box(100,100,50)", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, result.OK)
	require.NotNil(t, result.BBox)
	assert.InDelta(t, 100.0, result.BBox.X, 0.01)
	assert.InDelta(t, 50.0, result.BBox.Z, 0.01)
}

func TestExecute_ScriptFailureIsStructuredNotError(t *testing.T) {
	exec := NewSubprocessExecutor(echoCommand(`{"ok":false,"error":"NameError: name 'foo' is not defined"}`))
	result, err := exec.Execute(context.Background(), "result = foo", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "NameError")
}

func TestExecute_Timeout(t *testing.T) {
	exec := NewSubprocessExecutor([]string{"sleep", "2"})
	_, err := exec.Execute(context.Background(), "irrelevant", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecTimeout))
}

func TestExecute_MalformedOutput(t *testing.T) {
	exec := NewSubprocessExecutor(echoCommand(`not json at all`))
	_, err := exec.Execute(context.Background(), "irrelevant", 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecMalformed))
}

func TestExecute_NoCommandConfigured(t *testing.T) {
	exec := NewSubprocessExecutor(nil)
	_, err := exec.Execute(context.Background(), "irrelevant", time.Second)
	require.Error(t, err)
}

func TestExecute_ContextCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := NewSubprocessExecutor(echoCommand(`{"ok":true}`))
	_, err := exec.Execute(ctx, "irrelevant", 5*time.Second)
	// A pre-canceled parent context should surface as a timeout or
	// malformed-output failure rather than panicking or hanging.
	if err != nil {
		assert.True(t, errors.Is(err, ErrExecTimeout) || errors.Is(err, ErrExecMalformed))
	}
}
