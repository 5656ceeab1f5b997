package log

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// EnvVerbose makes a worker process log at debug level.
const EnvVerbose = "TRACECHECK_VERBOSE"

type slogKeyT struct{}

var slogKey slogKeyT

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(slogKey).([]slog.Attr)
	// never append to a slice a parent context may still use
	a = append(slices.Clip(a), attrs...)
	return context.WithValue(ctx, slogKey, a)
}

func New(verbose bool) *slog.Logger {
	return NewWriter(os.Stderr, verbose)
}

func NewWriter(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}

// VerboseFromEnv reports whether EnvVerbose is set to a true value.
func VerboseFromEnv() bool {
	switch strings.ToLower(os.Getenv(EnvVerbose)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Replay re-emits a JSON log line written by a worker process through the
// default logger, so that it carries the attributes stored in ctx.
// Lines which are not slog JSON are logged verbatim at warn level.
func Replay(ctx context.Context, line string) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		slog.WarnContext(ctx, "worker stderr", "line", line)
		return
	}
	msg, _ := rec[slog.MessageKey].(string)
	lvl, _ := rec[slog.LevelKey].(string)
	var level slog.Level
	if err := level.UnmarshalText([]byte(lvl)); err != nil {
		level = slog.LevelInfo
	}
	delete(rec, slog.MessageKey)
	delete(rec, slog.LevelKey)
	delete(rec, slog.TimeKey)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	attrs := make([]slog.Attr, 0, len(keys)+1)
	attrs = append(attrs, slog.String("source", "worker"))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, rec[k]))
	}
	slog.LogAttrs(ctx, level, msg, attrs...)
}
