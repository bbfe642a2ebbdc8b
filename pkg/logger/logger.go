// Package logger wraps zerolog with context-carried fields so request, ledger
// and event ids follow a call through every layer without being passed.
package logger

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	fieldService   = "service"
	fieldRequestID = "request_id"
	fieldUserID    = "user_id"
	fieldLedgerID  = "ledger_id"
	fieldEventID   = "event_id"
	fieldOperation = "operation"
	fieldStack     = "stack"
)

// Options configures the structured logger. Format "console" switches to a
// human readable writer for local runs; anything else logs JSON.
type Options struct {
	ServiceName string
	Level       zerolog.Level
	WarnStack   bool
	Format      string
	Output      io.Writer
}

type Logger struct {
	root      zerolog.Logger
	warnStack bool
}

type ctxKey struct{}

func New(opts Options) *Logger {
	level := opts.Level
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	return &Logger{
		root:      zerolog.New(out).Level(level).With().Timestamp().Str(fieldService, opts.ServiceName).Logger(),
		warnStack: opts.WarnStack,
	}
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(value string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *Logger) from(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if entry, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return entry
		}
	}
	return l.root
}

func (l *Logger) with(ctx context.Context, build func(zerolog.Context) zerolog.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, build(l.from(ctx).With()).Logger())
}

func (l *Logger) WithField(ctx context.Context, key string, value any) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields adds fields in key order so entries diff cleanly.
func (l *Logger) WithFields(ctx context.Context, fields map[string]any) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) withStr(ctx context.Context, key, value string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str(key, value) })
}

func (l *Logger) WithRequestID(ctx context.Context, requestID string) context.Context {
	return l.withStr(ctx, fieldRequestID, requestID)
}

func (l *Logger) WithUserID(ctx context.Context, userID string) context.Context {
	return l.withStr(ctx, fieldUserID, userID)
}

func (l *Logger) WithLedgerID(ctx context.Context, ledgerID string) context.Context {
	return l.withStr(ctx, fieldLedgerID, ledgerID)
}

func (l *Logger) WithEventID(ctx context.Context, eventID string) context.Context {
	return l.withStr(ctx, fieldEventID, eventID)
}

// WithOperation tags entries with the ledger operation being served.
func (l *Logger) WithOperation(ctx context.Context, operation string) context.Context {
	return l.withStr(ctx, fieldOperation, operation)
}

func (l *Logger) Debug(ctx context.Context, msg string) {
	entry := l.from(ctx)
	entry.Debug().Msg(msg)
}

func (l *Logger) Info(ctx context.Context, msg string) {
	entry := l.from(ctx)
	entry.Info().Msg(msg)
}

func (l *Logger) Warn(ctx context.Context, msg string) {
	entry := l.from(ctx)
	event := entry.Warn()
	if l.warnStack && event.Enabled() {
		event = event.Str(fieldStack, stackTrace())
	}
	event.Msg(msg)
}

// Error always carries a stack; errors are rare enough to afford it.
func (l *Logger) Error(ctx context.Context, msg string, err error) {
	entry := l.from(ctx)
	event := entry.Error()
	if !event.Enabled() {
		return
	}
	if err != nil {
		event = event.Err(err)
	}
	event.Str(fieldStack, stackTrace()).Msg(msg)
}

func stackTrace() string {
	return strings.TrimSpace(string(debug.Stack()))
}
