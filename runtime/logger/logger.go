// Package logger provides structured logging for CollabKit.
//
// It wraps log/slog with:
//   - package-level helpers bound to DefaultLogger
//   - context propagation of session, client, connection, task and agent ids
//   - per-module level overrides (see ModuleConfig)
//   - redaction of bearer tokens and client secrets in debug output
//
// DefaultLogger reads LOG_LEVEL at init and can be reconfigured with Configure.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

var (
	// DefaultLogger is the global structured logger instance.
	DefaultLogger *slog.Logger

	// logOutput is where built-in handlers write.
	logOutput io.Writer = os.Stderr

	// customHandler is set by SetLogger; Configure leaves it alone.
	customHandler slog.Handler

	mu sync.Mutex
)

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		level = ParseLevel(envLevel)
	}
	DefaultLogger = slog.New(NewContextHandler(slog.NewTextHandler(logOutput, &slog.HandlerOptions{
		Level: level,
	})))
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to info.
// "trace" maps below debug.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel replaces the logger with a text handler at the given level.
func SetLevel(level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	if customHandler != nil {
		return
	}
	DefaultLogger = slog.New(NewContextHandler(slog.NewTextHandler(logOutput, &slog.HandlerOptions{
		Level: level,
	})))
}

// SetVerbose enables debug-level logging when verbose is true, otherwise info-level.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// SetOutput redirects built-in handlers to w. Mostly useful in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	logOutput = w
	mu.Unlock()
	SetLevel(slog.LevelDebug)
}

// SetLogger installs a caller-provided logger. Passing nil restores the default.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		customHandler = nil
		DefaultLogger = slog.New(NewContextHandler(slog.NewTextHandler(logOutput, nil)))
		return
	}
	customHandler = l.Handler()
	DefaultLogger = l
}

// Info logs an informational message with key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message, lifting logging fields from ctx.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug-level message with context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error with context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// Delivery logs the outcome of one fan-out at debug level.
func Delivery(ctx context.Context, kind string, seq int64, delivered, failed int) {
	if !DefaultLogger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	DefaultLogger.DebugContext(ctx, "message delivered",
		"kind", kind,
		"seq", seq,
		"delivered", delivered,
		"failed", failed,
	)
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`),
	regexp.MustCompile(`(client_secret=)[^&\s]+`),
}

// RedactSensitiveData hides bearer tokens and client secrets.
func RedactSensitiveData(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer") {
				return "Bearer [REDACTED]"
			}
			if i := strings.Index(match, "="); i != -1 {
				return match[:i+1] + "[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return result
}

// AgentRequest logs an outbound agent call at debug level with redacted headers.
func AgentRequest(ctx context.Context, method, url string, headers map[string]string) {
	if !DefaultLogger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []any{"method", method, "url", RedactSensitiveData(url)}
	if len(headers) > 0 {
		redacted := make(map[string]string, len(headers))
		for k, v := range headers {
			redacted[k] = RedactSensitiveData(v)
		}
		attrs = append(attrs, "headers", redacted)
	}
	DefaultLogger.DebugContext(ctx, "agent request", attrs...)
}
