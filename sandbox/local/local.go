// Package local runs guest scripts directly on the host with the host
// Python interpreter. It offers no container isolation and is intended
// for development machines without a Docker daemon; resource limits
// other than the wall-clock timeout are not enforced.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CHARM-BDF/charmgpt-sub011/sandbox"
	atrace "github.com/CHARM-BDF/charmgpt-sub011/telemetry/trace"
)

const defaultPython = "python3"

// Runtime executes scripts as host subprocesses.
type Runtime struct {
	python string
}

// Option configures the local runtime.
type Option func(*Runtime)

// WithPython overrides the interpreter binary, e.g. a venv path.
func WithPython(bin string) Option {
	return func(r *Runtime) {
		r.python = bin
	}
}

// New creates a host-process runtime. It fails when the interpreter is
// not on PATH so that misconfiguration surfaces at construction time
// rather than on the first run.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{python: defaultPython}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := exec.LookPath(r.python); err != nil {
		return nil, fmt.Errorf("local runtime: %w", err)
	}
	return r, nil
}

// Run executes the staged script as a subprocess rooted in the output
// directory. The environment is an allow-list: PATH from the host, the
// staging directory variables, and the extras from the spec.
func (r *Runtime) Run(
	ctx context.Context, spec sandbox.RunSpec,
) (sandbox.RunResult, error) {
	ctx, span := atrace.Tracer.Start(ctx, sandbox.SpanRun)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, spec.Limits.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.python, spec.ScriptPath)
	cmd.Dir = spec.OutputRoot
	cmd.Env = buildEnv(spec)
	// Give a killed interpreter a moment to flush before Wait returns.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = io.Writer(&stdout), io.Writer(&stderr)
	if spec.Mirror != nil {
		cmd.Stdout = io.MultiWriter(&stdout, spec.Mirror)
		cmd.Stderr = io.MultiWriter(&stderr, spec.Mirror)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		serr := &sandbox.SetupError{Stage: "process", Err: err}
		span.SetStatus(codes.Error, serr.Error())
		return sandbox.RunResult{}, serr
	}
	err := cmd.Wait()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if err != nil && !timedOut {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			span.SetStatus(codes.Error, err.Error())
			return sandbox.RunResult{}, fmt.Errorf("wait for script: %w", err)
		}
	}

	res := sandbox.RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	span.SetAttributes(
		attribute.Int(sandbox.AttrExitCode, res.ExitCode),
		attribute.Bool(sandbox.AttrTimedOut, res.TimedOut),
	)
	return res, nil
}

func buildEnv(spec sandbox.RunSpec) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		sandbox.EnvOutputDir + "=" + spec.OutputRoot,
		sandbox.EnvInputDir + "=" + spec.InputRoot,
		"MPLBACKEND=Agg",
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}
