package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger provides structured logging with thread/event correlation and
// sensitive data redaction.
//
// Built on slog:
//   - Configurable levels (debug, info, warn, error)
//   - JSON output for production, text for development
//   - Automatic thread/event/agent correlation from context
//   - Redaction of API keys and tokens before they reach the sink
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". JSON is the default.
	Format string

	// Output defaults to os.Stderr so logs never interleave with CLI output.
	Output io.Writer

	// AddSource includes file and line in records.
	AddSource bool

	// RedactPatterns are extra regexes applied on top of the defaults.
	RedactPatterns []string
}

// ContextKey is the type for context keys carrying correlation fields.
type ContextKey string

const (
	ThreadIDKey ContextKey = "thread_id"
	EventIDKey  ContextKey = "event_id"
	AgentKey    ContextKey = "agent"
	TraceIDKey  ContextKey = "trace_id"
)

// defaultRedactPatterns covers the provider credentials this process handles.
var defaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{16,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`(?i)(api[_-]?key|token|secret|password)[\s:=]+["']?([^\s"']{8,})["']?`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger creates a structured logger. An empty level defaults to "info",
// an empty format to "json".
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(defaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string{}, defaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		config:  config,
		redacts: redacts,
	}
}

// Debug logs at debug level with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with optional key-value pairs. Errors passed as
// values are redacted like strings.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// WithFields returns a logger with fields added to every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(args...),
		config:  l.config,
		redacts: l.redacts,
	}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+8)
	for _, key := range []ContextKey{ThreadIDKey, EventIDKey, AgentKey, TraceIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, string(key), v)
		}
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case json.RawMessage:
		return l.redactString(string(val))
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// WithThreadID adds a thread ID to the context for log correlation.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

// WithEventID adds an event ID to the context for log correlation.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, EventIDKey, eventID)
}

// WithAgent adds the acting agent's name to the context for log correlation.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, AgentKey, agent)
}

// LogLevelFromString converts a string to a slog.Level, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
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
