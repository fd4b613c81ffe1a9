package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	tests := []struct {
		env  string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.env)
			assert.Equal(t, tt.want, LogLevel())
		})
	}
}

func TestSetupLoggerTo_JSONWithJobFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "INFO")
	t.Setenv("LOG_FORMAT", "")
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := SetupLoggerTo(&buf)
	WithRunID(WithJobID(logger, "acme", "job_1"), "run_1").Info("attempt started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "attempt started", rec["msg"])
	assert.Equal(t, "acme", rec["tenant_id"])
	assert.Equal(t, "job_1", rec["job_id"])
	assert.Equal(t, "run_1", rec["run_id"])
}

func TestFromContext(t *testing.T) {
	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, fallback, FromContextOr(context.Background(), fallback))
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	ctxLogger := fallback.With("worker_id", "w1")
	ctx := WithLogger(context.Background(), ctxLogger)
	assert.Same(t, ctxLogger, FromContext(ctx))
	assert.Same(t, ctxLogger, FromContextOr(ctx, fallback))
}
