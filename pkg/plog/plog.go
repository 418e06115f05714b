// Package plog provides the application-wide structured logger. It wraps
// log/slog with a console handler that splits output between stdout and
// stderr, and can additionally mirror all records into a rotating log file.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/juju/lumberjack/v2"
)

// LevelNotice sits between Info and Warn and is used for records that
// should stand out in normal operation, such as snapshot deletions.
const LevelNotice = slog.Level(2)

// levelNames maps custom levels to their display names.
var levelNames = map[slog.Leveler]string{
	LevelNotice: "NOTICE",
}

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// multiHandler fans a record out to several handlers, e.g. console plus a
// log file.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	levelVar      = new(slog.LevelVar)
	fileSink      *lumberjack.Logger
)

// handlerOptions returns the shared slog options, including the renaming of
// custom levels so NOTICE does not render as "INFO+2".
func handlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: levelVar,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				if name, ok := levelNames[level]; ok {
					a.Value = slog.StringValue(name)
				}
			}
			return a
		},
	}
}

func consoleHandler() slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: slog.NewTextHandler(os.Stdout, handlerOptions()),
		stderrHandler: slog.NewTextHandler(os.Stderr, handlerOptions()),
	}
}

func init() {
	defaultLogger = slog.New(consoleHandler())
}

// SetLevel adjusts the minimum level emitted by the logger.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// LevelFromString converts a config/flag string into a slog level.
// Unknown values default to Info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AttachFile mirrors all log records into a rotating log file. The file is
// rotated once it exceeds maxBytes and up to backupCount rotated files are
// kept, gzip-compressed. Calling AttachFile again replaces the previous sink.
func AttachFile(path string, maxBytes int64, backupCount int) {
	mu.Lock()
	defer mu.Unlock()

	if fileSink != nil {
		fileSink.Close()
	}

	// lumberjack sizes in megabytes; round up so small configured limits
	// still trigger rotation.
	maxSizeMB := int((maxBytes + 1024*1024 - 1) / (1024 * 1024))
	if maxSizeMB < 1 {
		maxSizeMB = 1
	}
	fileSink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: backupCount,
		Compress:   true,
	}

	defaultLogger = slog.New(&multiHandler{handlers: []slog.Handler{
		consoleHandler(),
		slog.NewTextHandler(fileSink, handlerOptions()),
	}})
}

// DetachFile closes the rotating log file sink, if any, and reverts to
// console-only logging. Safe to call when no file is attached.
func DetachFile() {
	mu.Lock()
	defer mu.Unlock()

	if fileSink != nil {
		fileSink.Close()
		fileSink = nil
	}
	defaultLogger = slog.New(consoleHandler())
}

// SetOutput allows redirecting the logger's output, primarily for testing.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(slog.NewTextHandler(w, handlerOptions()))
}

func logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	logger().Debug(msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	logger().Info(msg, args...)
}

// Notice logs a message at the NOTICE level.
func Notice(msg string, args ...any) {
	logger().Log(context.Background(), LevelNotice, msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	logger().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	logger().Error(msg, args...)
}
