// Package logging is harvestd's runtime Logger: zerolog writing
// structured JSON (or a colorized console writer in development) to
// the configured output, grounded in the pack's zerolog usage (e.g.
// the dummybox log handler's zerolog.New(writer).With().Timestamp()
// builder). It satisfies core.ComponentAwareLogger so it drops
// straight into any Deps struct across the module that expects one.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/corvid-labs/harvest/core"
)

// Logger adapts a zerolog.Logger to core.ComponentAwareLogger.
type Logger struct {
	zl zerolog.Logger
}

// Options configures the runtime logger.
type Options struct {
	Level       string // debug, info, warn, error
	Pretty      bool   // human-readable console writer instead of JSON
	ServiceName string
	Output      io.Writer // defaults to os.Stdout
}

// New builds a zerolog-backed Logger from Options.
func New(opts Options) *Logger {
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	if opts.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	zl := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", opts.ServiceName).
		Logger()

	return &Logger{zl: zl}
}

func (l *Logger) WithComponent(component string) core.Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

func (l *Logger) Info(msg string, fields map[string]interface{})  { l.log(l.zl.Info(), msg, fields) }
func (l *Logger) Error(msg string, fields map[string]interface{}) { l.log(l.zl.Error(), msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.log(l.zl.Warn(), msg, fields) }
func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.log(l.zl.Debug(), msg, fields) }

func (l *Logger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(l.zl.Info(), msg, withTraceFields(ctx, fields))
}
func (l *Logger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(l.zl.Error(), msg, withTraceFields(ctx, fields))
}
func (l *Logger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(l.zl.Warn(), msg, withTraceFields(ctx, fields))
}
func (l *Logger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(l.zl.Debug(), msg, withTraceFields(ctx, fields))
}

func (l *Logger) log(event *zerolog.Event, msg string, fields map[string]interface{}) {
	event.Fields(fields).Msg(msg)
}

// runContextKey correlates a log line with the run it was emitted for,
// when the caller's context carries one.
type runContextKey struct{}

// WithRunID attaches a run id to ctx for ...WithContext log calls.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runContextKey{}, runID)
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	runID, _ := ctx.Value(runContextKey{}).(string)
	if runID == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["run_id"] = runID
	return out
}

var _ core.ComponentAwareLogger = (*Logger)(nil)
