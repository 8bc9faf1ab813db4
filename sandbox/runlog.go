package sandbox

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/CHARM-BDF/charmgpt-sub011/log"
)

// RunLogger is the per-invocation append-only stage log. It is a pure
// side-channel: every write failure is reported on the global logger
// and never propagated to the invocation.
type RunLogger struct {
	l    *zap.SugaredLogger
	f    *os.File
	path string
}

// newRunLogger opens the log stream for one invocation. When dir is
// empty or the file cannot be opened, a no-op logger is returned so the
// invocation proceeds regardless.
func newRunLogger(dir, id string) *RunLogger {
	if dir == "" {
		return &RunLogger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf("run log directory unavailable: %v", err)
		return &RunLogger{}
	}
	path := filepath.Join(dir, "run-"+id+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warnf("run log unavailable: %v", err)
		return &RunLogger{}
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(log.EncoderConfig),
		zapcore.AddSync(f),
		zapcore.DebugLevel,
	)
	return &RunLogger{
		l:    zap.New(core).Sugar(),
		f:    f,
		path: path,
	}
}

// Stage records a stage transition with a timestamp.
func (r *RunLogger) Stage(format string, args ...any) {
	if r.l == nil {
		return
	}
	r.l.Infof(format, args...)
}

// RawWriter returns a sink for incremental guest output. It writes
// straight to the log file so partial output survives a timeout.
func (r *RunLogger) RawWriter() io.Writer {
	if r.f == nil {
		return io.Discard
	}
	return r.f
}

// Path returns the host path of the log file, empty for the no-op
// logger.
func (r *RunLogger) Path() string { return r.path }

// Close flushes and closes the stream. All exit paths of an invocation
// converge here.
func (r *RunLogger) Close() {
	if r.l != nil {
		_ = r.l.Sync()
	}
	if r.f != nil {
		if err := r.f.Close(); err != nil {
			log.Warnf("run log close: %v", err)
		}
		r.f = nil
	}
}
