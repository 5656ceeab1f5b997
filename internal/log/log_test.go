package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/tracecheck/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, true)

	ctx := log.ContextAttrs(t.Context(), slog.String("run", "r1"))
	a := log.ContextAttrs(ctx, slog.String("case", "a"))
	b := log.ContextAttrs(ctx, slog.String("case", "b"))

	logger.DebugContext(a, "first")
	logger.InfoContext(b, "second")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	require.Equal(t, "r1", first["run"])
	require.Equal(t, "a", first["case"])
	require.Equal(t, "b", second["case"])
}

func TestReplay(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(log.NewWriter(&buf, false))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx := log.ContextAttrs(t.Context(), slog.String("case", "gc-collect"))
	log.Replay(ctx, `{"time":"2024-01-01T00:00:00Z","level":"WARN","msg":"slow","pid":7}`)
	log.Replay(ctx, `{"level":"DEBUG","msg":"hidden"}`)
	log.Replay(ctx, `panic: boom`)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var got map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &got))
	require.Equal(t, "slow", got["msg"])
	require.Equal(t, "WARN", got["level"])
	require.Equal(t, "gc-collect", got["case"])
	require.Equal(t, "worker", got["source"])
	require.EqualValues(t, 7, got["pid"])

	require.NoError(t, json.Unmarshal(lines[1], &got))
	require.Equal(t, "panic: boom", got["line"])
}
