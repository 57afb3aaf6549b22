package native

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger configures the logger for the native backend.
// Pass nil to restore the default silent logger.
//
// The backend logs submissions at [slog.LevelDebug] and leaked or
// unretired GPU objects at [slog.LevelWarn].
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

func slogger() *slog.Logger {
	return loggerPtr.Load()
}

// SetLogger sets the native backend logger. It lets rtas.SetLogger reach
// this package through the device; the logger is shared by all devices.
func (d *Device) SetLogger(l *slog.Logger) {
	SetLogger(l)
}
