// Package logger provides slog-based structured logging for the engine.
//
// Core pieces:
//   - Init() configures the default logger (JSON for production, text for
//     development)
//   - InitWithFile() additionally fans out to an append-only log file on disk
//   - FromContext()/WithContext() carry a request-scoped logger
//   - package-level convenience methods (Info/Error/Warn/Debug/Fatal)
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

var currentLogger atomic.Pointer[slog.Logger]

func init() {
	storeLogger(newLogger(false))
}

func newLogger(development bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: development,
	}
	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// getLogger and storeLogger centralize access to currentLogger so every
// read/write goes through the same atomic pointer instead of a bare package
// variable — concurrent Init() and logging calls from many agents would
// otherwise race.
func getLogger() *slog.Logger {
	return currentLogger.Load()
}

func storeLogger(l *slog.Logger) {
	currentLogger.Store(l)
	slog.SetDefault(l)
}

// Init configures the default logger. env: "development"/"dev" selects a
// text handler on stderr with source locations; anything else (including
// "production") selects JSON on stdout.
func Init(env string) {
	dev := env == "development" || env == "dev"
	storeLogger(newLogger(dev))
}

// ========================================
// file-backed logging
// ========================================

var (
	logFileMu sync.Mutex
	logFile   *os.File
)

// InitWithFile configures the default logger to additionally write JSON
// lines to <dir>/command-post.log, fanned out alongside whatever handler
// Init last installed. A prior call's file is closed before the new one
// is opened.
func InitWithFile(dir string) error {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logger: create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "command-post.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logger: open log file: %w", err)
	}

	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f

	base := unwrapBaseHandler(getLogger().Handler())
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})
	storeLogger(slog.New(NewMultiHandler(base, fileHandler)))
	return nil
}

// ShutdownFileHandler closes the file opened by InitWithFile, if any. Safe
// to call when no file handler is active.
func ShutdownFileHandler() {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile == nil {
		return
	}
	_ = logFile.Close()
	logFile = nil
}

// unwrapBaseHandler strips a *MultiHandler down to its first (base) member
// so callers like InitWithFile/AttachDBHandler can add a new fan-out leg
// without nesting MultiHandlers inside MultiHandlers.
func unwrapBaseHandler(h slog.Handler) slog.Handler {
	if m, ok := h.(*MultiHandler); ok && len(m.handlers) > 0 {
		return m.handlers[0]
	}
	return h
}

// ========================================
// context-aware logging
// ========================================

type ctxKey struct{}

// WithContext injects a logger into ctx.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext extracts a logger from ctx, falling back to the default
// logger when none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return getLogger()
}

// ========================================
// package-level convenience methods
// ========================================

// Info/Error/Warn/Debug log a structured line. args are key-value pairs.
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }

// Infof/Errorf/Warnf/Debugf log a formatted message with no structured args.
func Infof(format string, args ...any)  { getLogger().Info(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { getLogger().Error(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { getLogger().Warn(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { getLogger().Debug(fmt.Sprintf(format, args...)) }

// exitFunc is a var so tests can intercept process exit.
var exitFunc = os.Exit

// Fatal logs at error level, gives the file handler a moment to flush, and
// exits the process with status 1.
func Fatal(msg string, args ...any) {
	getLogger().Error(msg, args...)
	logFileMu.Lock()
	if logFile != nil {
		_ = logFile.Sync()
	}
	logFileMu.Unlock()
	exitFunc(1)
}

// Infow/Warnw/Errorw/Debugw are aliases kept for call sites migrated from a
// keys-and-values logging style.
func Infow(msg string, keysAndValues ...any)  { getLogger().Info(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...any)  { getLogger().Warn(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...any) { getLogger().Error(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...any) { getLogger().Debug(msg, keysAndValues...) }

// With returns a logger carrying additional fixed attributes.
func With(args ...any) *slog.Logger { return getLogger().With(args...) }

// Get returns the current underlying *slog.Logger.
func Get() *slog.Logger { return getLogger() }

// Attr is a local alias so call sites don't need to import log/slog.
type Attr = slog.Attr

// Any creates an attribute of arbitrary type.
func Any(key string, value any) Attr { return slog.Any(key, value) }

// Field key constants — call sites must use these, never a hardcoded
// string, so the status-index mirror's field mapping in applyAttr stays
// exhaustive.
const (
	FieldTraceID  = "trace_id"
	FieldThreadID = "thread_id"
	FieldComponent = "component"
	FieldSource    = "source"
	FieldError     = "error"
	FieldStatus    = "status"
	FieldLatencyMS = "latency_ms"
	FieldCount     = "count"
	FieldDurationMS = "duration_ms"
	FieldEventType  = "event_type"

	// domain fields
	FieldAgentID        = "agent_id"
	FieldTaskID         = "task_id"
	FieldFlowID         = "flow_id"
	FieldFlowPhase      = "flow_phase"
	FieldZone           = "zone"
	FieldRetryCount     = "retry_count"
	FieldSnapshotID     = "snapshot_id"
	FieldSpawnRequestID = "spawn_request_id"
)
