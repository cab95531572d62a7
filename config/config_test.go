package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 0.05, cfg.Experiment.Alpha)
	assert.Equal(t, 0.8, cfg.Experiment.Power)
	assert.Equal(t, 1.0, cfg.Experiment.GroupRatio)
	assert.Equal(t, int64(42), cfg.Experiment.Seed)
	assert.True(t, cfg.Redis.Disabled)
	assert.Equal(t, time.Duration(0), cfg.RateWindow())
}

func TestLoadFile_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abtest.yaml")
	body := `
store:
  backend: sqlite
sqlite:
  path: /tmp/from-file.db
experiment:
  effect_size: 0.2
  alpha: 0.01
  rate_window_days: 28
scheduler:
  accrual_interval: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("EXPERIMENT_ALPHA", "0.1")
	t.Setenv("EXPERIMENT_SEED", "7")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/from-file.db", cfg.SQLite.Path)
	assert.Equal(t, 0.2, cfg.Experiment.EffectSize)
	assert.Equal(t, 0.1, cfg.Experiment.Alpha, "env overrides file")
	assert.Equal(t, int64(7), cfg.Experiment.Seed)
	assert.Equal(t, 28*24*time.Hour, cfg.RateWindow())
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.AccrualInterval)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"postgres without url", func(c *Config) { c.Store.Backend = BackendPostgres }, "DATABASE_URL"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }, "STORE_BACKEND"},
		{"alpha out of range", func(c *Config) { c.Experiment.Alpha = 1 }, "EXPERIMENT_ALPHA"},
		{"power out of range", func(c *Config) { c.Experiment.Power = 0 }, "EXPERIMENT_POWER"},
		{"ratio not positive", func(c *Config) { c.Experiment.GroupRatio = 0 }, "EXPERIMENT_GROUP_RATIO"},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "LOG_FORMAT"},
		{"unknown environment", func(c *Config) { c.App.Environment = "qa" }, "APP_ENV"},
		{"memory store in production", func(c *Config) { c.App.Environment = EnvProduction }, "STORE_BACKEND=memory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_Environments(t *testing.T) {
	for _, env := range []Environment{EnvDevelopment, EnvStaging} {
		cfg := Defaults()
		cfg.App.Environment = env
		require.NoError(t, cfg.Validate(), env)
		assert.False(t, cfg.IsProduction())
	}

	cfg := Defaults()
	cfg.App.Environment = EnvProduction
	cfg.Store.Backend = BackendSQLite
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsProduction())
}

func TestApplyEnv_RedisURLEnablesRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.False(t, cfg.Redis.Disabled)
}
