// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New(ctx) to build a Config with defaults.
// - Load layers a YAML file and SLOTRANK_ env vars on top of the defaults.
// - Validation failures wrap ErrInvalidConfig.
package config

import (
	"context"
	"fmt"
	"time"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"
)

// Cache drivers.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Allocation policies.
const (
	PolicyTopOfCache = "top_of_cache"
	PolicyAlways     = "always"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// StoreDriver selects the submission store backend.
	StoreDriver string `koanf:"store_driver"`
	// StoreDSN is a file path for sqlite and a connection string for postgres/mysql.
	StoreDSN                string `koanf:"store_dsn"`
	StoreMaxOpenConns       int    `koanf:"store_max_open_conns"`
	StoreMaxIdleConns       int    `koanf:"store_max_idle_conns"`
	StoreConnMaxLifetimeSec int    `koanf:"store_conn_max_lifetime_sec"`

	// LockTimeoutMS bounds how long a transaction waits for the slot lock.
	LockTimeoutMS int `koanf:"lock_timeout_ms"`

	CacheDriver string `koanf:"cache_driver"`
	RedisAddr   string `koanf:"redis_addr"`
	RedisKey    string `koanf:"redis_key"`

	// SlotDurationSec is the exclusive slot window measured from created_at.
	SlotDurationSec int `koanf:"slot_duration_sec"`
	// SweepIntervalSec enables the periodic sweeper when positive.
	SweepIntervalSec int `koanf:"sweep_interval_sec"`

	AllocationPolicy string `koanf:"allocation_policy"`
	AllocateOnRead   bool   `koanf:"allocate_on_read"`

	DefaultLeaderboardLimit int `koanf:"default_leaderboard_limit"`
	// MaxLeaderboardLimit caps GET /leaderboard?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit"`

	RepairQueueSize int `koanf:"repair_queue_size"`
	RepairWorkers   int `koanf:"repair_workers"`

	// MetricsEnabled turns Prometheus recording on or off.
	MetricsEnabled bool `koanf:"metrics_enabled"`
	// MetricsRefreshSec is the period of the gauge refresh loops.
	MetricsRefreshSec int `koanf:"metrics_refresh_sec"`
}

// New creates a Config populated with defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:                "info",
		Addr:                    ":9080",
		StoreDriver:             StoreMemory,
		StoreMaxOpenConns:       5,
		StoreMaxIdleConns:       2,
		StoreConnMaxLifetimeSec: 1800,
		LockTimeoutMS:           5000,
		CacheDriver:             CacheMemory,
		RedisAddr:               "localhost:6379",
		RedisKey:                "gpu_leaderboard",
		SlotDurationSec:         86400,
		AllocationPolicy:        PolicyTopOfCache,
		DefaultLeaderboardLimit: 10,
		MaxLeaderboardLimit:     100,
		RepairQueueSize:         10_000,
		RepairWorkers:           2,
		MetricsEnabled:          true,
		MetricsRefreshSec:       5,
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite, StorePostgres, StoreMySQL:
		if c.StoreDSN == "" {
			return fmt.Errorf("%w: store_dsn is required for store_driver %q", ErrInvalidConfig, c.StoreDriver)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}
	switch c.CacheDriver {
	case CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis_addr is required for cache_driver redis", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown cache_driver %q", ErrInvalidConfig, c.CacheDriver)
	}
	if c.AllocationPolicy != PolicyTopOfCache && c.AllocationPolicy != PolicyAlways {
		return fmt.Errorf("%w: unknown allocation_policy %q", ErrInvalidConfig, c.AllocationPolicy)
	}
	if c.SlotDurationSec <= 0 {
		return fmt.Errorf("%w: slot_duration_sec must be positive", ErrInvalidConfig)
	}
	if c.LockTimeoutMS <= 0 {
		return fmt.Errorf("%w: lock_timeout_ms must be positive", ErrInvalidConfig)
	}
	if c.SweepIntervalSec < 0 {
		return fmt.Errorf("%w: sweep_interval_sec must not be negative", ErrInvalidConfig)
	}
	if c.MaxLeaderboardLimit <= 0 || c.DefaultLeaderboardLimit <= 0 || c.DefaultLeaderboardLimit > c.MaxLeaderboardLimit {
		return fmt.Errorf("%w: leaderboard limits must satisfy 0 < default <= max", ErrInvalidConfig)
	}
	if c.RepairQueueSize <= 0 || c.RepairWorkers <= 0 {
		return fmt.Errorf("%w: repair queue size and workers must be positive", ErrInvalidConfig)
	}
	if c.MetricsRefreshSec <= 0 {
		return fmt.Errorf("%w: metrics_refresh_sec must be positive", ErrInvalidConfig)
	}
	return nil
}

// SlotDuration returns the slot window.
func (c *Config) SlotDuration() time.Duration {
	return time.Duration(c.SlotDurationSec) * time.Second
}

// SweepInterval returns the periodic sweep period; zero disables it.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// LockTimeout returns the bound on slot lock acquisition.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// ConnMaxLifetime returns the pool connection recycle period.
func (c *Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.StoreConnMaxLifetimeSec) * time.Second
}

// MetricsRefresh returns the gauge refresh period.
func (c *Config) MetricsRefresh() time.Duration {
	return time.Duration(c.MetricsRefreshSec) * time.Second
}
