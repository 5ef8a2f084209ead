package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/streamwatch/internal/config"
)

func fileConfig(t *testing.T) config.LoggingConfig {
	t.Helper()
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = t.TempDir()
	cfg.Console.Enabled = false
	cfg.File.Enabled = true
	cfg.SuppressWindow = 0
	return cfg
}

func TestNewLogger_FileOutputs(t *testing.T) {
	cfg := fileConfig(t)

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("info message", "key", "value")
	logger.Warn("warning message")
	logger.Error("error message")
	require.NoError(t, Shutdown())

	mainLog, err := os.ReadFile(filepath.Join(cfg.Dir, "streamwatch.log"))
	require.NoError(t, err)
	assert.Contains(t, string(mainLog), `"msg":"info message"`)
	assert.Contains(t, string(mainLog), `"key":"value"`)
	assert.Contains(t, string(mainLog), "warning message")

	errorLog, err := os.ReadFile(filepath.Join(cfg.Dir, "errors.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(errorLog), "info message")
	assert.Contains(t, string(errorLog), "warning message")
	assert.Contains(t, string(errorLog), "error message")
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	orig := console
	console = &buf
	defer func() { console = orig }()

	cfg := config.DefaultLoggingConfig()
	cfg.Console.Level = "warn"
	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "component", "watcher")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "component=watcher")
}

func TestNewLogger_NoOutputs(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.Console.Enabled = false
	cfg.File.Enabled = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Error("dropped")
}

func TestNewLogger_BadDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	cfg := fileConfig(t)
	cfg.Dir = filepath.Join(blocker, "logs")
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestInitialize_SetsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	cfg := fileConfig(t)
	require.NoError(t, Initialize(cfg))
	slog.Info("through default")
	require.NoError(t, Shutdown())

	content, err := os.ReadFile(filepath.Join(cfg.Dir, "streamwatch.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "Logging initialized")
	assert.Contains(t, string(content), "through default")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestFanout(t *testing.T) {
	t.Parallel()
	var a, b bytes.Buffer
	h := newFanout(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("stream", "db/coll").WithGroup("g")

	logger.Debug("debug only a")
	logger.Warn("both", "k", 1)

	assert.Contains(t, a.String(), "debug only a")
	assert.NotContains(t, b.String(), "debug only a")
	assert.Contains(t, a.String(), "g.k=1")
	assert.Contains(t, b.String(), "stream=db/coll")

	assert.False(t, newFanout(slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelError})).Enabled(context.Background(), slog.LevelInfo))

	var c bytes.Buffer
	failing := newFanout(failingHandler{slog.NewTextHandler(&c, nil)}, slog.NewTextHandler(&c, nil))
	err := failing.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "x", 0))
	assert.Error(t, err)
	assert.Contains(t, c.String(), "msg=x", "later handlers still run")
}

func TestLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := newLevelFilter(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}), slog.LevelWarn)
	ctx := context.Background()

	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelError))

	logger := slog.New(h).With("a", 1).WithGroup("g")
	logger.Info("skip")
	logger.Error("keep", "b", 2)
	require.NoError(t, h.Handle(ctx, slog.NewRecord(time.Now(), slog.LevelDebug, "direct", 0)))

	assert.NotContains(t, buf.String(), "skip")
	assert.NotContains(t, buf.String(), "direct")
	assert.Contains(t, buf.String(), "keep")
	assert.Contains(t, buf.String(), "g.b=2")
}

func TestRepeatSuppressor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := newRepeatSuppressor(slog.NewTextHandler(&buf, nil), time.Minute)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h.state.now = func() time.Time { return now }

	logger := slog.New(h).With("stream", "db/restaurants")
	for i := 0; i < 5; i++ {
		logger.Warn("connect failed", "error", "no reachable servers")
	}
	logger.Warn("connect failed", "error", "auth failed")
	logger.Info("retrying")
	logger.Info("retrying")
	slog.New(h).With("stream", "db/grades").Warn("connect failed", "error", "no reachable servers")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `stream=db/restaurants error="no reachable servers"`),
		"identical warnings inside the window collapse to one")
	assert.Equal(t, 2, strings.Count(out, "msg=retrying"), "info is never suppressed")
	assert.Contains(t, out, "auth failed")
	assert.Contains(t, out, "stream=db/grades")

	now = now.Add(2 * time.Minute)
	buf.Reset()
	logger.Warn("connect failed", "error", "no reachable servers")
	assert.Contains(t, buf.String(), "repeated=4")
}

func TestRepeatSuppressor_Evict(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := &suppressState{now: func() time.Time { return now }, seen: map[uint64]*seenRecord{
		1: {last: now.Add(-time.Hour)},
		2: {last: now},
	}}
	s.evict(now, time.Minute)
	assert.Len(t, s.seen, 1)
	assert.Contains(t, s.seen, uint64(2))
}
