// Package sandbox implements the sandboxed code-execution engine: it
// accepts a Python data-science script plus optional named data files,
// runs it in an isolated, resource-bounded environment, and returns
// captured output text plus classified generated artifacts.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CHARM-BDF/charmgpt-sub011/log"
	atrace "github.com/CHARM-BDF/charmgpt-sub011/telemetry/trace"
	"github.com/CHARM-BDF/charmgpt-sub011/upload"
)

// Result kinds.
const (
	ResultKindText   = "text"
	ResultKindBinary = "binary-artifact"
)

// Request validation errors.
var (
	ErrEmptyCode    = errors.New("code is empty")
	ErrCodeTooLarge = fmt.Errorf("code exceeds %d bytes", MaxCodeBytes)
)

// ExecutionRequest is the caller input for one invocation.
type ExecutionRequest struct {
	// Code is the guest script (required, non-empty).
	Code string
	// DataFiles maps logical names to handles. A handle is either a
	// host path or an upload-store key.
	DataFiles map[string]string
	// Timeout is the requested wall-clock limit; zero means the engine
	// default, and the value is clamped into the allowed range.
	Timeout time.Duration
}

func (r ExecutionRequest) validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return ErrEmptyCode
	}
	if len(r.Code) > MaxCodeBytes {
		return ErrCodeTooLarge
	}
	return nil
}

// CreatedFile is one file discovered in the output root after
// execution. Binary image files carry their transport-encoded bytes;
// SizeBytes is always the raw pre-encoding length.
type CreatedFile struct {
	Name      string
	SizeBytes int64
	MIMEType  string
	Binary    bool
	// Data holds base64 content for binary files, empty otherwise.
	Data string
}

// BinaryOutput is the primary binary artifact: the first image found,
// returned with display metadata.
type BinaryOutput struct {
	Data       string
	MIMEType   string
	Filename   string
	SizeBytes  int64
	Width      int
	Height     int
	SourceCode string
}

// ExecutionResult is the immutable value returned to the caller.
type ExecutionResult struct {
	// Output is the concatenated stdout and stderr of the guest.
	Output string
	// Code is the transformed code that actually ran, for audit.
	Code string
	// Kind is ResultKindText or ResultKindBinary.
	Kind string
	// Binary is the primary artifact; nil for text results.
	Binary *BinaryOutput
	// CreatedFiles lists every new file found in the output root.
	CreatedFiles []CreatedFile
}

// String implements the Stringer interface, formatting the result into
// a human-readable string.
func (r ExecutionResult) String() string {
	if len(r.CreatedFiles) == 0 {
		if r.Output != "" {
			return fmt.Sprintf("Execution result:\n%s\n", r.Output)
		}
		return "Execution result: No output or errors."
	}
	var names []string
	for _, f := range r.CreatedFiles {
		names = append(names, f.Name)
	}
	return "Execution result:\n Created files:\n" + strings.Join(names, "\n")
}

// Engine orchestrates one invocation end to end: provision staging,
// resolve data files, transform the code, run it through the isolation
// runtime, reconcile outputs, and clean everything up.
//
// Invocations are independent: concurrency safety comes from uniquely
// named staging roots, not from locking.
type Engine struct {
	runtime         Runtime
	store           upload.Store
	baseDir         string
	logsDir         string
	limits          ResourceLimits
	defaultTimeout  time.Duration
	collectPatterns []string
	guestEnv        map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithUploadStore sets the store consulted for indirect data-file
// handles.
func WithUploadStore(s upload.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithBaseDir sets the host directory staging roots are created under.
func WithBaseDir(dir string) Option {
	return func(e *Engine) { e.baseDir = dir }
}

// WithLogsDir enables per-invocation run logs under dir.
func WithLogsDir(dir string) Option {
	return func(e *Engine) { e.logsDir = dir }
}

// WithMemoryLimit sets the guest memory ceiling in bytes.
func WithMemoryLimit(bytes int64) Option {
	return func(e *Engine) { e.limits.MemoryBytes = bytes }
}

// WithCPULimit sets the guest CPU share.
func WithCPULimit(cpus float64) Option {
	return func(e *Engine) { e.limits.CPUs = cpus }
}

// WithPidsLimit caps guest processes.
func WithPidsLimit(n int64) Option {
	return func(e *Engine) { e.limits.PidsLimit = n }
}

// WithDefaultTimeout sets the timeout applied when a request carries
// none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithCollectPatterns narrows which created files are reported, using
// doublestar glob patterns against file names.
func WithCollectPatterns(patterns ...string) Option {
	return func(e *Engine) { e.collectPatterns = patterns }
}

// WithGuestEnv adds an allow-listed environment variable to the guest.
func WithGuestEnv(key, value string) Option {
	return func(e *Engine) {
		if e.guestEnv == nil {
			e.guestEnv = map[string]string{}
		}
		e.guestEnv[key] = value
	}
}

// New creates an Engine bound to the given isolation runtime.
func New(rt Runtime, opts ...Option) *Engine {
	e := &Engine{
		runtime: rt,
		limits: ResourceLimits{
			MemoryBytes: DefaultMemoryBytes,
			CPUs:        DefaultCPUs,
			PidsLimit:   DefaultPidsLimit,
		},
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one request synchronously. Exactly one guest process is
// spawned; the call suspends once, waiting on process exit or the
// timeout. Staging directories are removed on every exit path, and
// cleanup failures never mask the propagating error.
func (e *Engine) Execute(
	ctx context.Context, req ExecutionRequest,
) (ExecutionResult, error) {
	ctx, span := atrace.Tracer.Start(ctx, SpanExecute)
	defer span.End()

	if err := req.validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ExecutionResult{}, err
	}
	limits := e.limitsFor(req)

	sc, err := NewStagingContext(e.baseDir)
	if err != nil {
		serr := &SetupError{Stage: "staging", Err: err}
		span.SetStatus(codes.Error, serr.Error())
		return ExecutionResult{}, serr
	}
	span.SetAttributes(attribute.String(AttrExecID, sc.ID))
	rl := newRunLogger(e.logsDir, sc.ID)
	defer rl.Close()
	defer func() {
		if cerr := sc.Close(); cerr != nil {
			log.Warnf("staging cleanup for %s: %v", sc.ID, cerr)
		}
		rl.Stage("cleanup complete")
	}()
	rl.Stage("provisioned staging roots under %s", sc.ScriptRoot)

	processed, err := e.stageDataFiles(ctx, sc, req.DataFiles)
	if err != nil {
		serr := &SetupError{Stage: "resolve", Err: err}
		rl.Stage("data file resolution failed: %v", err)
		span.SetStatus(codes.Error, serr.Error())
		return ExecutionResult{}, serr
	}
	rl.Stage("resolved %d data files", len(processed))

	code := Transform(req.Code)
	if err := os.WriteFile(sc.ScriptPath(), []byte(code), 0o644); err != nil {
		serr := &SetupError{Stage: "staging", Err: err}
		span.SetStatus(codes.Error, serr.Error())
		return ExecutionResult{}, serr
	}
	rl.Stage("transformed code staged (%d bytes)", len(code))

	before, err := snapshotDir(sc.OutputRoot)
	if err != nil {
		serr := &SetupError{Stage: "staging", Err: err}
		span.SetStatus(codes.Error, serr.Error())
		return ExecutionResult{}, serr
	}

	rl.Stage("invoking runtime (timeout=%s)", limits.Timeout)
	res, err := e.runtime.Run(ctx, RunSpec{
		ScriptPath: sc.ScriptPath(),
		ScriptRoot: sc.ScriptRoot,
		InputRoot:  sc.InputRoot,
		OutputRoot: sc.OutputRoot,
		Env:        e.guestEnv,
		Limits:     limits,
		Mirror:     rl.RawWriter(),
	})
	if err != nil {
		rl.Stage("runtime error: %v", err)
		span.SetStatus(codes.Error, err.Error())
		var serr *SetupError
		if errors.As(err, &serr) {
			return ExecutionResult{}, err
		}
		// The runtime failed mid-run, after the guest may have
		// started. That is not a preparation failure, so it keeps
		// its own identity.
		return ExecutionResult{}, fmt.Errorf("isolation runtime: %w", err)
	}
	rl.Stage("runtime finished: exit=%d timedOut=%v duration=%s",
		res.ExitCode, res.TimedOut, res.Duration)
	span.SetAttributes(
		attribute.Int(AttrExitCode, res.ExitCode),
		attribute.Bool(AttrTimedOut, res.TimedOut),
	)

	if res.TimedOut {
		terr := &TimeoutError{
			Limit:  limits.Timeout,
			Stdout: res.Stdout,
			Stderr: res.Stderr,
		}
		span.SetStatus(codes.Error, terr.Error())
		return ExecutionResult{}, terr
	}
	if res.ExitCode != 0 {
		gerr := &GuestExecutionError{
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
		span.SetStatus(codes.Error, gerr.Error())
		return ExecutionResult{}, gerr
	}

	result := ExecutionResult{
		Output: combineStreams(res.Stdout, res.Stderr),
		Code:   code,
		Kind:   ResultKindText,
	}
	created, primary, rerr := e.reconcile(sc, before)
	if rerr != nil {
		// Degrade to a text-only result rather than losing a
		// successful execution's output.
		rl.Stage("reconciliation failed, degrading to text: %v", rerr)
		log.Warnf("reconciliation for %s: %v", sc.ID, rerr)
		return result, nil
	}
	result.CreatedFiles = created
	if primary != nil {
		primary.SourceCode = code
		result.Binary = primary
		result.Kind = ResultKindBinary
	}
	rl.Stage("reconciled %d created files (kind=%s)",
		len(created), result.Kind)
	span.SetAttributes(
		attribute.String(AttrKind, result.Kind),
		attribute.Int(AttrCount, len(created)),
	)
	return result, nil
}

func combineStreams(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + stderr
}
