package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
db:
  dsn: postgres://localhost:5432/harvester
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "postgres", cfg.DB.Driver)
	require.Equal(t, 8, cfg.Pool.Workers)
	require.Equal(t, 30, cfg.Rate.PerMinute)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 5*time.Minute, cfg.StaleTimeout())
	require.Equal(t, time.Minute, cfg.ReapInterval())
	require.Equal(t, 2*time.Second, cfg.IdleInterval())
	require.Equal(t, []string{"presidential"}, cfg.Loader.Categories)
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
db:
  driver: memory
pool:
  workers: 20
rate:
  per_minute: 10
  per_hour: 500
  per_day: 8000
reaper:
  stale_timeout_seconds: 600
loader:
  categories: [presidential, legislative]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "memory", cfg.DB.Driver)
	require.Equal(t, 20, cfg.Pool.Workers)
	require.Equal(t, 10, cfg.Rate.PerMinute)
	require.Equal(t, 10*time.Minute, cfg.StaleTimeout())
	require.Equal(t, []string{"presidential", "legislative"}, cfg.Loader.Categories)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"postgres without dsn", func(c *Config) { c.DB.DSN = "" }},
		{"unknown driver", func(c *Config) { c.DB.Driver = "oracle" }},
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }},
		{"zero minute cap", func(c *Config) { c.Rate.PerMinute = 0 }},
		{"max delay below base", func(c *Config) { c.Rate.MaxDelayMs = 1 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"zero stale timeout", func(c *Config) { c.Reaper.StaleTimeoutSeconds = 0 }},
		{"no categories", func(c *Config) { c.Loader.Categories = nil }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsMemoryDriver(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.DB.Driver = "memory"
	cfg.DB.DSN = ""
	require.NoError(t, cfg.Validate())
}

func validConfig() Config {
	return Config{
		DB:      DBConfig{Driver: "postgres", DSN: "postgres://localhost/harvester"},
		Pool:    PoolConfig{Workers: 4, IdleIntervalMs: 100, ClaimBackoffMs: 100},
		Rate:    RateConfig{PerMinute: 10, PerHour: 100, PerDay: 1000, BaseDelayMs: 100, MaxDelayMs: 1000, ErrorCap: 5},
		Retry:   RetryConfig{MaxAttempts: 3},
		Reaper:  ReaperConfig{IntervalSeconds: 60, StaleTimeoutSeconds: 300},
		Monitor: MonitorConfig{IntervalSeconds: 30},
		Server:  ServerConfig{Port: 9090},
		Loader:  LoaderConfig{Categories: []string{"presidential"}},
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
