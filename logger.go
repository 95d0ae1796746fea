package progcache

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with builds on any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the package-wide logger used by progcache and its
// backends. By default progcache produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior. A Cache created with WithLogger uses its own logger
// instead.
//
// Log levels used by progcache:
//   - [slog.LevelDebug]: state transitions (fingerprint checks, link attempts)
//   - [slog.LevelInfo]: build outcomes (loaded from cache, compiled from source)
//   - [slog.LevelWarn]: non-fatal issues (cache fallback, failed save, unknown uniform)
//
// Example:
//
//	progcache.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current package-wide logger.
// Backend packages call this to share the same configuration without
// holding their own global.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
