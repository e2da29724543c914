package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

const LevelTrace slog.Level = -8

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.LevelKey:
		switch attr.Value.Any().(slog.Level) {
		case LevelTrace:
			attr.Value = slog.StringValue("TRACE")
		}
	case slog.SourceKey:
		source := attr.Value.Any().(*slog.Source)
		source.File = filepath.Base(source.File)
	}
	return attr
}

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	}))
}

// Verbosity maps an instance log level onto slog. Level 0 disables logging.
func Verbosity(v int) (slog.Level, bool) {
	switch {
	case v <= 0:
		return 0, false
	case v == 1:
		return slog.LevelWarn, true
	case v == 2:
		return slog.LevelInfo, true
	case v == 3:
		return slog.LevelDebug, true
	default:
		return LevelTrace, true
	}
}

// NewInstanceLogger returns a logger for a single constraint instance. Records
// carry no time or source so the captured log is stable across runs.
func NewInstanceLogger(w io.Writer, verbosity int, args ...any) *slog.Logger {
	level, ok := Verbosity(verbosity)
	if !ok {
		return slog.New(discard{})
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return replaceAttr(groups, attr)
		},
	})).With(args...)
}

type discard struct{}

func (discard) Enabled(context.Context, slog.Level) bool  { return false }
func (discard) Handle(context.Context, slog.Record) error { return nil }
func (d discard) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discard) WithGroup(string) slog.Handler           { return d }

type key string

func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, LevelTrace) {
		skip, _ := ctx.Value(key("skip")).(int)
		pc, _, _, _ := runtime.Caller(1 + skip)
		record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}
