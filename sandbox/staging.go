package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Default and boundary values for per-invocation limits.
const (
	DefaultTimeout = 30 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 60 * time.Second

	DefaultMemoryBytes = 512 * 1024 * 1024
	DefaultCPUs        = 1.0
	DefaultPidsLimit   = 128

	// MaxCodeBytes bounds submitted script size before any resources
	// are provisioned.
	MaxCodeBytes = 1 * 1024 * 1024
)

// Well-known names inside the staging roots.
const (
	scriptFileName   = "script.py"
	ManifestFileName = "manifest.json"

	dirScript = "src"
	dirInput  = "input"
	dirOutput = "output"
)

// StagingContext owns the three per-invocation filesystem roots that
// bridge host and guest. It is created at invocation start, exclusively
// owned by that invocation, and destroyed best-effort on every exit
// path.
type StagingContext struct {
	// ID is unique within the process lifetime.
	ID string
	// ScriptRoot holds the transformed script file.
	ScriptRoot string
	// InputRoot holds resolved input files plus the manifest.
	InputRoot string
	// OutputRoot is the sole writable guest surface.
	OutputRoot string

	root string
}

// NewStagingContext allocates uniquely named staging roots under
// baseDir (the system temp directory when empty). Concurrent
// invocations never collide: the root name carries a fresh UUID.
func NewStagingContext(baseDir string) (*StagingContext, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	id := uuid.New().String()
	root := filepath.Join(baseDir, "sandbox-"+id)
	sc := &StagingContext{
		ID:         id,
		ScriptRoot: filepath.Join(root, dirScript),
		InputRoot:  filepath.Join(root, dirInput),
		OutputRoot: filepath.Join(root, dirOutput),
		root:       root,
	}
	for _, dir := range []string{sc.ScriptRoot, sc.InputRoot, sc.OutputRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			// Leave nothing behind on partial failure.
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
	}
	return sc, nil
}

// ScriptPath returns the host path the transformed script is written to.
func (sc *StagingContext) ScriptPath() string {
	return filepath.Join(sc.ScriptRoot, scriptFileName)
}

// Close removes every staging root, including all staged inputs and any
// files the guest created. It is safe to call more than once.
func (sc *StagingContext) Close() error {
	if sc.root == "" {
		return nil
	}
	err := os.RemoveAll(sc.root)
	sc.root = ""
	return err
}

// limitsFor merges the request timeout with the engine's static
// ceilings, clamping into the allowed range. The result is immutable.
func (e *Engine) limitsFor(req ExecutionRequest) ResourceLimits {
	l := e.limits
	l.Timeout = req.Timeout
	if l.Timeout == 0 {
		l.Timeout = e.defaultTimeout
	}
	if l.Timeout < MinTimeout {
		l.Timeout = MinTimeout
	}
	if l.Timeout > MaxTimeout {
		l.Timeout = MaxTimeout
	}
	return l
}
