// Package cadexec adapts the sandboxed, external CAD-kernel subprocess:
// a script goes in on stdin, a bounded deadline governs the whole call,
// and a structured JSON result comes back out on stdout. A script failure
// is reported as a structured Result, not an error; a missed deadline
// returns ErrExecTimeout and output that is not the expected JSON returns
// ErrExecMalformed.
package cadexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrExecTimeout is returned when the subprocess does not complete
// within the configured deadline.
var ErrExecTimeout = errors.New("cadexec: execution deadline exceeded")

// ErrExecMalformed is returned when the subprocess exits but its stdout
// is not a well-formed Result payload.
var ErrExecMalformed = errors.New("cadexec: executor produced malformed output")

// BoundingBox is the axis-aligned extent of a successfully executed
// solid, in millimeters.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Result is the structured outcome of one Execute call.
type Result struct {
	BBox      *BoundingBox `json:"bbox,omitempty"`
	Error     string       `json:"error,omitempty"`
	Traceback string       `json:"traceback,omitempty"`
	OK        bool         `json:"ok"`
}

// rawResult mirrors the subprocess's wire JSON shape exactly, kept
// separate from Result so a malformed payload never partially
// populates the public type.
type rawResult struct {
	BBox      *BoundingBox `json:"bbox"`
	Error     string       `json:"error"`
	Traceback string       `json:"traceback"`
	OK        bool         `json:"ok"`
}

// Executor runs a CAD script in a sandboxed subprocess and reports its
// outcome. Implementations must never block the caller's goroutine past
// the deadline and must never panic on malformed subprocess output.
type Executor interface {
	Execute(ctx context.Context, script string, deadline time.Duration) (Result, error)
}

// SubprocessExecutor invokes an external command (the sandboxed CAD
// kernel runner) with the script on stdin and parses its stdout as
// JSON. The command and arguments are fixed at construction so the
// executor cannot be coerced into running an arbitrary binary at
// call time.
type SubprocessExecutor struct {
	command []string
}

// NewSubprocessExecutor returns an Executor that shells out to command
// (e.g. []string{"python3", "/opt/cadforge/run_cadquery.py"}).
func NewSubprocessExecutor(command []string) *SubprocessExecutor {
	return &SubprocessExecutor{command: command}
}

// Execute runs script through the configured subprocess, enforcing
// deadline via a context.Context so a hung or runaway process is
// always reclaimed. Only a timeout or malformed-output condition
// produces a non-nil error; a script that fails to build geometry is
// reported as Result{OK: false, Error: ...}, not an error return.
func (e *SubprocessExecutor) Execute(ctx context.Context, script string, deadline time.Duration) (Result, error) {
	if len(e.command) == 0 {
		return Result{}, fmt.Errorf("cadexec: no executor command configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.command[0], e.command[1:]...)
	cmd.Stdin = bytes.NewBufferString(script)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, ErrExecTimeout
	}

	// The subprocess is expected to report script-level failure as
	// structured JSON with ok=false, not via a non-zero exit code, but
	// a non-zero exit with no parseable output still counts as
	// malformed rather than a Go-level error.
	var raw rawResult
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		if runErr != nil {
			return Result{}, fmt.Errorf("%w: %v (stderr: %s)", ErrExecMalformed, err, stderr.String())
		}
		return Result{}, fmt.Errorf("%w: %v", ErrExecMalformed, err)
	}

	return Result{
		OK:        raw.OK,
		BBox:      raw.BBox,
		Error:     raw.Error,
		Traceback: raw.Traceback,
	}, nil
}
