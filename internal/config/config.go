// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	DB      DBConfig      `mapstructure:"db"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Rate    RateConfig    `mapstructure:"rate"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Server  ServerConfig  `mapstructure:"server"`
	Loader  LoaderConfig  `mapstructure:"loader"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DBConfig controls access to the relational store.
type DBConfig struct {
	Driver   string `mapstructure:"driver"` // "postgres" or "memory"
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PoolConfig governs the worker pool.
type PoolConfig struct {
	Workers        int `mapstructure:"workers"`
	IdleIntervalMs int `mapstructure:"idle_interval_ms"`
	ClaimBackoffMs int `mapstructure:"claim_backoff_ms"`
}

// RateConfig bounds aggregate request volume against the target.
type RateConfig struct {
	PerMinute   int `mapstructure:"per_minute"`
	PerHour     int `mapstructure:"per_hour"`
	PerDay      int `mapstructure:"per_day"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
	ErrorCap    int `mapstructure:"error_cap"`
}

// RetryConfig bounds per-job retries.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ReaperConfig controls stale-task recovery.
type ReaperConfig struct {
	IntervalSeconds     int `mapstructure:"interval_seconds"`
	StaleTimeoutSeconds int `mapstructure:"stale_timeout_seconds"`
}

// MonitorConfig controls the periodic stats snapshot.
type MonitorConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// ServerConfig controls the metrics/health HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoaderConfig governs bulk job loading from station manifests.
type LoaderConfig struct {
	Categories      []string `mapstructure:"categories"`
	DefaultPriority int      `mapstructure:"default_priority"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("pool.workers", 8)
	v.SetDefault("pool.idle_interval_ms", 2000)
	v.SetDefault("pool.claim_backoff_ms", 5000)
	v.SetDefault("rate.per_minute", 30)
	v.SetDefault("rate.per_hour", 1200)
	v.SetDefault("rate.per_day", 20000)
	v.SetDefault("rate.base_delay_ms", 1000)
	v.SetDefault("rate.max_delay_ms", 120000)
	v.SetDefault("rate.error_cap", 6)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("reaper.interval_seconds", 60)
	v.SetDefault("reaper.stale_timeout_seconds", 300)
	v.SetDefault("monitor.interval_seconds", 30)
	v.SetDefault("server.port", 9090)
	v.SetDefault("loader.categories", []string{"presidential"})
	v.SetDefault("loader.default_priority", 0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.driver: %s", c.DB.Driver)
	}
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be > 0")
	}
	if c.Rate.PerMinute <= 0 || c.Rate.PerHour <= 0 || c.Rate.PerDay <= 0 {
		return fmt.Errorf("rate caps must all be > 0")
	}
	if c.Rate.BaseDelayMs <= 0 || c.Rate.MaxDelayMs < c.Rate.BaseDelayMs {
		return fmt.Errorf("rate.base_delay_ms must be > 0 and <= rate.max_delay_ms")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Reaper.StaleTimeoutSeconds <= 0 {
		return fmt.Errorf("reaper.stale_timeout_seconds must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Loader.Categories) == 0 {
		return fmt.Errorf("loader.categories must not be empty")
	}
	return nil
}

// IdleInterval converts the pool idle knob into a duration.
func (c Config) IdleInterval() time.Duration {
	return time.Duration(c.Pool.IdleIntervalMs) * time.Millisecond
}

// ClaimBackoff converts the store-error backoff knob into a duration.
func (c Config) ClaimBackoff() time.Duration {
	return time.Duration(c.Pool.ClaimBackoffMs) * time.Millisecond
}

// StaleTimeout converts the reaper timeout knob into a duration.
func (c Config) StaleTimeout() time.Duration {
	return time.Duration(c.Reaper.StaleTimeoutSeconds) * time.Second
}

// ReapInterval converts the reaper interval knob into a duration.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalSeconds) * time.Second
}

// MonitorInterval converts the monitor interval knob into a duration.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}
