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

// Logger wraps slog with request correlation pulled from the context and
// redaction of secrets (Slack tokens, OpenAI keys, bearer tokens).
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	logger.Info(ctx, "mention received", "channel_id", "C123")
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`

	// Output defaults to os.Stdout.
	Output io.Writer `yaml:"-"`

	// AddSource includes file and line number in log records.
	AddSource bool `yaml:"add_source"`

	// RedactPatterns are appended to DefaultRedactPatterns.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"

	// SessionIDKey is the context key for session IDs.
	SessionIDKey ContextKey = "session_id"

	// UserIDKey is the context key for the requesting Slack user.
	UserIDKey ContextKey = "user_id"

	// ChannelKey is the context key for the Slack channel ID.
	ChannelKey ContextKey = "channel"

	// ThreadIDKey is the context key for the thread being served.
	ThreadIDKey ContextKey = "thread_id"

	// ToolCallIDKey is the context key for the tool call being executed.
	ToolCallIDKey ContextKey = "tool_call_id"
)

var contextFields = []ContextKey{RequestIDKey, SessionIDKey, UserIDKey, ChannelKey, ThreadIDKey, ToolCallIDKey}

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	// Slack bot, user and app-level tokens
	`xox[abposr]-[a-zA-Z0-9-]{10,}`,
	`xapp-[a-zA-Z0-9-]{10,}`,

	// OpenAI API keys
	`sk-[a-zA-Z0-9_-]{20,}`,

	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
}

// NewLogger creates a logger. Empty fields fall back to info level, JSON
// output and os.Stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
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

	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
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

// NewNopLogger returns a logger that discards everything. Used by tests and
// by components constructed without a logger.
func NewNopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard, Level: "error"})
}

// Slog exposes the underlying slog logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message. Errors passed as args are redacted
// like any other value.
//
// Example:
//
//	logger.Error(ctx, "thread fetch failed", "error", err, "attempt", 3)
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]any, 0, len(args)+2*len(contextFields))
	for _, key := range contextFields {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, string(key), v)
		}
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, l.redactString(msg), attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		return l.redactMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = v
		}
		return l.redactMap(m)
	case int, int64, float64, bool, slog.Attr:
		return v
	default:
		if b, err := json.Marshal(v); err == nil {
			return l.redactString(string(b))
		}
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"bot_token":     true,
	"app_token":     true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
}

func (l *Logger) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKeys[strings.ToLower(strings.ReplaceAll(k, "-", "_"))] {
			result[k] = "[REDACTED]"
			continue
		}
		result[k] = l.redactValue(v)
	}
	return result
}

// WithFields returns a logger that adds the given fields to every record.
//
// Example:
//
//	componentLogger := logger.WithFields("component", "ratelimit")
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(args...),
		config:  l.config,
		redacts: l.redacts,
	}
}

// AddRequestID adds a request ID to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddSessionID adds a session ID to the context.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// AddUserID adds a user ID to the context.
func AddUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// AddChannel adds a Slack channel ID to the context.
func AddChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// AddThreadID adds a thread ID to the context.
func AddThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

// AddToolCallID adds a tool call ID to the context.
func AddToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// GetSessionID retrieves the session ID from the context.
func GetSessionID(ctx context.Context) string {
	id, _ := ctx.Value(SessionIDKey).(string)
	return id
}

// GetThreadID retrieves the thread ID from the context.
func GetThreadID(ctx context.Context) string {
	id, _ := ctx.Value(ThreadIDKey).(string)
	return id
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
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
