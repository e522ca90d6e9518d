package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/ephost/types"
)

func newBufferedSlog(level slog.Level) (*SlogLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level})

	return NewSlog(slog.New(handler)), buf
}

func TestNewSlog(t *testing.T) {
	logger, _ := newBufferedSlog(slog.LevelDebug)
	require.NotNil(t, logger.logger)

	require.NotNil(t, NewSlog(nil).logger)
}

func TestSlogLogger_Levels(t *testing.T) {
	logger, buf := newBufferedSlog(slog.LevelDebug)

	logger.Debug("lease renewed", "partition_id", "3")
	logger.Info("lease acquired", "partition_id", "4")
	logger.Warn("renew failed", "partition_id", "5")
	logger.Error("scan failed", "error", "timeout")

	output := buf.String()
	assert.Contains(t, output, "level=DEBUG")
	assert.Contains(t, output, "level=INFO")
	assert.Contains(t, output, "level=WARN")
	assert.Contains(t, output, "level=ERROR")
	assert.Contains(t, output, "partition_id=4")
	assert.Contains(t, output, "error=timeout")
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferedSlog(slog.LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	output := buf.String()
	assert.NotContains(t, output, "debug message")
	assert.NotContains(t, output, "info message")
	assert.Contains(t, output, "warn message")
}

func TestWith(t *testing.T) {
	t.Run("slog binds natively", func(t *testing.T) {
		logger, buf := newBufferedSlog(slog.LevelInfo)
		bound := With(logger, "host", "host-a")

		_, native := bound.(*SlogLogger)
		require.True(t, native)

		bound.Info("pump started", "partition_id", "1")
		assert.Contains(t, buf.String(), "host=host-a")
		assert.Contains(t, buf.String(), "partition_id=1")
	})

	t.Run("other loggers are wrapped", func(t *testing.T) {
		rec := &recordingLogger{}
		bound := With(With(rec, "host", "host-a"), "partition_id", "2")

		bound.Warn("renew failed", "epoch", 3)
		require.Equal(t, []any{"host", "host-a", "partition_id", "2", "epoch", 3}, rec.last)
	})

	t.Run("nil logger yields nop", func(t *testing.T) {
		require.IsType(t, &NopLogger{}, With(nil, "k", "v"))
	})

	t.Run("no fields returns same logger", func(t *testing.T) {
		rec := &recordingLogger{}
		require.Same(t, rec, With(rec).(*recordingLogger))
	})
}

func TestFormatKeyValues(t *testing.T) {
	require.Empty(t, formatKeyValues(nil))
	require.Equal(t, "a=1 b=2", formatKeyValues([]any{"a", 1, "b", 2}))
	require.Equal(t, "a=1 b=<missing>", formatKeyValues([]any{"a", 1, "b"}))
}

type recordingLogger struct {
	last []any
}

var _ types.Logger = (*recordingLogger)(nil)

func (r *recordingLogger) Debug(_ string, kv ...any) { r.last = kv }
func (r *recordingLogger) Info(_ string, kv ...any)  { r.last = kv }
func (r *recordingLogger) Warn(_ string, kv ...any)  { r.last = kv }
func (r *recordingLogger) Error(_ string, kv ...any) { r.last = kv }
func (r *recordingLogger) Fatal(_ string, kv ...any) { r.last = kv }
