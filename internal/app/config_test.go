package app

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 8, cfg.WorkerConcurrency)
	require.Equal(t, "@every 1m", cfg.SweepCron)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsNonPositiveConcurrency(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("component", "test"))
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"msg":"shown"`)
	require.Contains(t, out, `"component":"test"`)
}
