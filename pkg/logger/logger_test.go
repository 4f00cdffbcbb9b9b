package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(0))
	assert.False(t, l.Core().Enabled(-1), "debug should be disabled at info level")
}

func TestInit_Replaces(t *testing.T) {
	require.NoError(t, Init(Config{Level: "error"}))
	first := Get()
	require.NoError(t, Init(Config{Level: "debug", Encoding: "console"}))
	assert.NotSame(t, first, Get())
	assert.True(t, Get().Core().Enabled(-1))
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	ctx := WithRunID(context.Background(), "run-1")
	assert.Equal(t, []zap.Field{zap.String("run_id", "run-1")}, ContextFields(ctx))

	ctx = WithRecordID(ctx, "42")
	assert.Equal(t, []zap.Field{
		zap.String("run_id", "run-1"),
		zap.String("record_id", "42"),
	}, ContextFields(ctx))
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	mu.Lock()
	previous := globalLogger
	globalLogger = zap.New(core)
	mu.Unlock()
	defer func() {
		mu.Lock()
		globalLogger = previous
		mu.Unlock()
	}()

	ctx := WithRecordID(WithRunID(context.Background(), "run-1"), "42")
	WithContext(ctx).Info("uploaded")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "42", fields["record_id"])
	assert.NotNil(t, With())
}
