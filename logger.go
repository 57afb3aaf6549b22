package rtas

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for rtas.
// By default, rtas produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by rtas:
//   - [slog.LevelDebug]: batch boundaries, submissions, structure sizes
//   - [slog.LevelInfo]: compaction results
//   - [slog.LevelWarn]: host-visible fallback, resource release errors
//
// Example:
//
//	rtas.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
//
// The logger is also passed to the device of the most recent
// NewDeviceContext call if that device implements SetLogger(*slog.Logger),
// as the native backend does.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	// Propagate to the backend if it supports logging.
	backendMu.RLock()
	b := backend
	backendMu.RUnlock()
	if b != nil {
		b.SetLogger(l)
	}
}

// Logger returns the current logger used by rtas.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// slogger is the package-internal shorthand for Logger.
func slogger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

var (
	backendMu sync.RWMutex
	backend   loggerSetter
)

// registerBackend hands the current logger to dev if it accepts one and
// remembers it for later SetLogger calls.
func registerBackend(dev any) {
	ls, ok := dev.(loggerSetter)
	if !ok {
		return
	}
	backendMu.Lock()
	backend = ls
	backendMu.Unlock()
	ls.SetLogger(Logger())
}
