package sandbox

import (
	"fmt"
	"time"
)

// SetupError reports that the sandbox could not be prepared or that the
// isolation runtime itself is unavailable. It is never the guest's
// fault and is never retried automatically.
type SetupError struct {
	// Stage names the preparation step that failed, e.g. "staging",
	// "resolve", "docker".
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *SetupError) Error() string {
	return fmt.Sprintf("sandbox setup failed (%s): %v", e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SetupError) Unwrap() error { return e.Err }

// GuestExecutionError reports a nonzero exit from the isolated process.
// Both streams are carried separately: the guest traceback is usually
// on stderr while partial results are on stdout.
type GuestExecutionError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Error implements the error interface. The message leads with stderr
// so the guest traceback is visible without unwrapping.
func (e *GuestExecutionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("guest code exited with status %d: %s",
			e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("guest code exited with status %d", e.ExitCode)
}

// CombinedOutput concatenates stdout and stderr for callers that want a
// single transcript.
func (e *GuestExecutionError) CombinedOutput() string {
	if e.Stdout == "" {
		return e.Stderr
	}
	if e.Stderr == "" {
		return e.Stdout
	}
	return e.Stdout + "\n" + e.Stderr
}

// TimeoutError reports that the wall-clock limit expired before the
// guest process finished. Partial output captured before termination is
// preserved.
type TimeoutError struct {
	Limit  time.Duration
	Stdout string
	Stderr string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Limit)
}

// ReconciliationError reports a failure while classifying or encoding
// output files. The engine degrades to a text-only result instead of
// propagating it; it appears in run logs only.
type ReconciliationError struct {
	Err error
}

// Error implements the error interface.
func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("output reconciliation failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *ReconciliationError) Unwrap() error { return e.Err }
