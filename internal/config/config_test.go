package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/config"
	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, cfg.Workspace)
	assert.Equal(t, filepath.Join(wd, ".pilot", "pilot.db"), cfg.Database)
	assert.Equal(t, filepath.Join(wd, "workers.yaml"), cfg.WorkersFile)
	assert.Equal(t, 3, cfg.CommitRetries)
	assert.Equal(t, 3, cfg.MaxRecoveries)
	assert.Equal(t, time.Minute, cfg.CommandTimeout)
	assert.Equal(t, retry.DefaultPolicy(), cfg.Retry)
	assert.Equal(t, "pilot:", cfg.Redis.Prefix)
	assert.Empty(t, cfg.Redis.Addr)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
	assert.Equal(t, logging.FormatText, cfg.Format())
}

func TestLoad_FileAndEnv(t *testing.T) {
	ws := t.TempDir()
	path := writeConfig(t, `
workspace: `+ws+`
log_level: debug
commit_retries: 5
max_recoveries: 1
command_timeout: 90s
redis:
  addr: localhost:6379
retry:
  max_attempts: 2
  base_delay: 10ms
`)
	t.Setenv("PILOT_HTTP_ADDR", ":9090")
	t.Setenv("PILOT_REDIS_DB", "4")

	cfg, err := config.Load(config.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ws, cfg.Workspace)
	assert.Equal(t, filepath.Join(ws, ".pilot", "pilot.db"), cfg.Database)
	assert.Equal(t, 5, cfg.CommitRetries)
	assert.Equal(t, 1, cfg.MaxRecoveries)
	assert.Equal(t, 90*time.Second, cfg.CommandTimeout)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Redis.DB)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, retry.DefaultPolicy().MaxDelay, cfg.Retry.MaxDelay)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("explicit file missing", func(t *testing.T) {
		_, err := config.Load(config.New(), filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("bad log level", func(t *testing.T) {
		_, err := config.Load(config.New(), writeConfig(t, "log_level: loud\n"))
		assert.ErrorContains(t, err, "log_level")
	})
	t.Run("bad log format", func(t *testing.T) {
		_, err := config.Load(config.New(), writeConfig(t, "log_format: xml\n"))
		assert.ErrorContains(t, err, "log_format")
	})
	t.Run("no attempts", func(t *testing.T) {
		_, err := config.Load(config.New(), writeConfig(t, "retry:\n  max_attempts: 0\n"))
		assert.ErrorContains(t, err, "max_attempts")
	})
	t.Run("negative commit retries", func(t *testing.T) {
		_, err := config.Load(config.New(), writeConfig(t, "commit_retries: -1\n"))
		assert.ErrorContains(t, err, "commit_retries")
	})
	t.Run("no recoveries", func(t *testing.T) {
		_, err := config.Load(config.New(), writeConfig(t, "max_recoveries: 0\n"))
		assert.ErrorContains(t, err, "max_recoveries")
	})
}
