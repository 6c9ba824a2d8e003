// Package session wraps the external coding-agent runtime. The queue talks
// to it through the Engine interface: one prompt in, streamed text out, with
// a hard timeout and a clear line between "the engine itself failed" and
// "the engine answered with something that looks like an error".
package session

import (
	"context"
	"time"
)

// Request is one engine invocation.
type Request struct {
	// SessionID is the stable session identity. Continuation jobs reuse it
	// with Resume=true so conversational context survives across jobs.
	SessionID string

	// Prompt is the user message or coaching text.
	Prompt string

	// WorkingDir is the directory the agent operates in.
	WorkingDir string

	// Resume resumes the existing session instead of starting fresh.
	Resume bool
}

// RawOutput is the captured result of one engine run.
type RawOutput struct {
	// Text is the final streamed output.
	Text string

	// CostUSD is the engine's cost estimate for the run, when reported.
	CostUSD float64

	// NumTurns is how many agent turns the run took, when reported.
	NumTurns int

	// Duration is wall-clock time of the run.
	Duration time.Duration

	// EngineFailed marks an engine-level failure (timeout, crash, auth
	// error) as opposed to a successful run. Engine failures are never
	// routed through the classifier: they always fail the job.
	EngineFailed bool

	// FailureReason describes the engine failure, when EngineFailed is set.
	FailureReason string
}

// Engine runs agent sessions. Run blocks until the session finishes or ctx
// expires; engine-level failures are reported in RawOutput.EngineFailed, the
// returned error is reserved for invocation problems (bad request, engine
// not installed).
type Engine interface {
	Run(ctx context.Context, req Request) (*RawOutput, error)
}
