package sandbox

import (
	"context"
	"io"
	"time"
)

// Container-side paths and environment keys shared by all runtimes.
// The guest only ever sees these paths, never the host layout.
const (
	// GuestScriptDir is the read-only mount of the script root.
	GuestScriptDir = "/sandbox/src"
	// GuestInputDir is the read-only mount of the input root.
	GuestInputDir = "/sandbox/input"
	// GuestOutputDir is the sole writable guest path.
	GuestOutputDir = "/sandbox/output"

	// EnvOutputDir points the guest at its designated output directory.
	EnvOutputDir = "OUTPUT_DIR"
	// EnvInputDir points the guest at the staged input directory.
	EnvInputDir = "INPUT_DIR"
)

// Span names for invocation stages.
const (
	SpanExecute = "sandbox.execute"
	SpanRun     = "sandbox.run"

	// Common attribute keys used in tracing spans.
	AttrExecID   = "exec_id"
	AttrExitCode = "exit_code"
	AttrTimedOut = "timed_out"
	AttrImage    = "image"
	AttrKind     = "result_kind"
	AttrCount    = "count"
)

// ResourceLimits restrict guest execution resources. A value is derived
// once per invocation from the request and engine defaults and never
// mutated afterwards.
type ResourceLimits struct {
	// MemoryBytes is the container memory ceiling.
	MemoryBytes int64
	// CPUs is the CPU share, in whole or fractional CPUs.
	CPUs float64
	// PidsLimit caps guest processes/threads.
	PidsLimit int64
	// Timeout is the wall-clock limit for the guest process.
	Timeout time.Duration
}

// RunSpec describes a single staged script invocation handed to a
// Runtime.
type RunSpec struct {
	// ScriptPath is the host path of the transformed script inside
	// ScriptRoot.
	ScriptPath string
	// ScriptRoot, InputRoot and OutputRoot are the host staging roots.
	ScriptRoot string
	InputRoot  string
	OutputRoot string
	// Env is the allow-listed extra guest environment. Runtimes add
	// EnvOutputDir and EnvInputDir themselves.
	Env map[string]string
	// Limits bound the run.
	Limits ResourceLimits
	// Mirror, when non-nil, receives the combined guest output
	// incrementally while the run is in flight. Used by the run logger.
	Mirror io.Writer
}

// RunResult captures a single guest run.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runtime executes a staged script in an isolated environment.
// Implementations return a *SetupError when the environment itself is
// unavailable; guest failures are reported through RunResult.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}
