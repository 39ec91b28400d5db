package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 1000, cfg.Optimization.MaxIterations)
	assert.Equal(t, 1e-6, cfg.Optimization.Tolerance)
	assert.Equal(t, 4, cfg.Optimization.MaxJobs)

	run := cfg.RunDefaults()
	assert.Equal(t, 1000, run.MaxIterations)
	assert.Equal(t, 0, run.Workers)
	assert.Equal(t, "json", cfg.LoggingConfig().Format)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("OPT_WORKER_COUNT", "8")
	t.Setenv("OPT_TOLERANCE", "1e-9")
	t.Setenv("OPT_SEED", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Optimization.WorkerCount)
	assert.Equal(t, 1e-9, cfg.Optimization.Tolerance)
	assert.Equal(t, int64(42), cfg.Optimization.Seed)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"HTTP_PORT":          "70000",
		"OPT_MAX_ITERATIONS": "0",
		"OPT_TOLERANCE":      "-1",
		"OPT_MAX_JOBS":       "0",
		"HTTP_READ_TIMEOUT":  "soon",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("LENSOPT_INT", "12")
	t.Setenv("LENSOPT_BOOL", "true")
	t.Setenv("LENSOPT_BAD", "x")

	assert.Equal(t, 12, GetEnvAsInt("LENSOPT_INT", 1))
	assert.Equal(t, 1, GetEnvAsInt("LENSOPT_BAD", 1))
	assert.True(t, GetEnvAsBool("LENSOPT_BOOL", false))
	assert.False(t, GetEnvAsBool("LENSOPT_BAD", false))
	assert.Equal(t, "fallback", GetEnv("LENSOPT_MISSING", "fallback"))
}
