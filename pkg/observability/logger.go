package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
)

// LogLevel is the minimum severity a logger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l LogLevel) slog() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger emits structured JSON log lines via slog. Derived loggers share the
// handler and carry accumulated fields, so passing one down a call chain is
// cheap.
type Logger struct {
	sl  *slog.Logger
	min LogLevel
}

// NewLogger creates a JSON logger that drops entries below level. A nil
// output falls back to stdout.
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level.slog()})
	return &Logger{sl: slog.New(handler), min: level}
}

// Level returns the minimum emitted severity.
func (l *Logger) Level() LogLevel {
	return l.min
}

// WithField returns a logger that includes key=value on every entry.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{sl: l.sl.With(key, value), min: l.min}
}

// WithFields returns a logger carrying every given field. Keys are attached
// in sorted order so entries from the same call site stay byte-comparable.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return &Logger{sl: l.sl.With(args...), min: l.min}
}

// WithError attaches err under the "error" field; nil returns the receiver.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(message string) { l.sl.Debug(message) }
func (l *Logger) Info(message string)  { l.sl.Info(message) }
func (l *Logger) Warn(message string)  { l.sl.Warn(message) }
func (l *Logger) Error(message string) { l.sl.Error(message) }

// The formatted variants skip fmt.Sprintf entirely when the entry would be
// dropped, so hot paths may log at debug without paying for formatting.

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.min > DebugLevel {
		return
	}
	l.sl.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.min > InfoLevel {
		return
	}
	l.sl.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.min > WarnLevel {
		return
	}
	l.sl.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.sl.Error(fmt.Sprintf(format, args...))
}

// Request-scoped values travel on the context so handlers, middleware, and
// background work stamp the same correlation fields.

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyAccountID
	ctxKeyLogger
)

// WithRequestID stores the delivery's correlation id on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestID returns the correlation id, or "" when none was set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// WithAccountID stores the billable account an operation acts on.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxKeyAccountID, accountID)
}

// GetAccountID returns the account id, or "" when none was set.
func GetAccountID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyAccountID).(string)
	return id
}

// WithLogger stores a request-scoped logger on the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// FromContext returns the context's logger stamped with whatever correlation
// fields the context carries. Contexts without a logger get a default
// info-level one, so callers never receive nil.
func FromContext(ctx context.Context) *Logger {
	logger, ok := ctx.Value(ctxKeyLogger).(*Logger)
	if !ok {
		logger = NewLogger(InfoLevel, os.Stdout)
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.WithField("request_id", requestID)
	}
	if accountID := GetAccountID(ctx); accountID != "" {
		logger = logger.WithField("account_id", accountID)
	}
	return logger
}
