package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "asynq", cfg.Queue.Driver)
	assert.Equal(t, "sql", cfg.Cache.Backend)
	assert.Equal(t, 15, cfg.Providers.TimeoutSecs)
	assert.Equal(t, 150, cfg.Providers.AppBudgetCalls)
	assert.InDelta(t, 0.5, cfg.Cache.SWRFraction, 0.001)
	assert.Equal(t, 90, cfg.Cache.UsageRetentionDays)
	assert.InDelta(t, 50.0, cfg.Cost.DailyWarnUSD, 0.001)
	assert.InDelta(t, 100.0, cfg.Cost.DailyCriticalUSD, 0.001)
	assert.Equal(t, 3, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 5, cfg.Recovery.BatchSize)
	assert.Equal(t, 120, cfg.Recovery.StaleAfterMins)
	assert.True(t, cfg.Recovery.Trigger)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: file:enrich.db
recovery:
  max_attempts: 5
  batch_size: 2
cache:
  backend: redis
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:enrich.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 5, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 2, cfg.Recovery.BatchSize)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 120, cfg.Recovery.StaleAfterMins)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("ENRICH_STORE_DRIVER", "postgres")
	t.Setenv("ENRICH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ENRICH_RECOVERY_MAX_ATTEMPTS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Recovery.MaxAttempts)
}

func TestProvidersTimeout(t *testing.T) {
	assert.Equal(t, 15*time.Second, ProvidersConfig{}.Timeout())
	assert.Equal(t, 3*time.Second, ProvidersConfig{TimeoutSecs: 3}.Timeout())
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/enrich"
	cfg.Cache.Backend = "sql"
	cfg.Queue.Driver = "inline"
	cfg.Recovery.MaxAttempts = 3
	cfg.Cost.DailyWarnUSD = 50
	cfg.Cost.DailyCriticalUSD = 100
	return cfg
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Store.DatabaseURL = ""
	cfg.Cache.Backend = "memcached"
	cfg.Recovery.MaxAttempts = 0
	cfg.Cost.DailyCriticalUSD = 10

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), `unsupported cache backend "memcached"`)
	assert.Contains(t, err.Error(), "recovery.max_attempts")
	assert.Contains(t, err.Error(), "daily_critical_usd")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
