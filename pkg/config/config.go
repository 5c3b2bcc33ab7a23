// Package config loads the YAML configuration shared by the scmsync
// binaries. Durations are written as integer seconds in the file;
// section methods convert them for the packages they configure.
package config

import (
	"time"

	"github.com/repoharvest/scmsync/pkg/backoff"
	"github.com/repoharvest/scmsync/pkg/reaper"
	"github.com/repoharvest/scmsync/pkg/storage"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Database DatabaseConfig `yaml:"database"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Worker   WorkerConfig   `yaml:"worker"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects the backing database.
type DatabaseConfig struct {
	Driver string     `yaml:"driver"` // sqlite, postgres
	DSN    string     `yaml:"dsn"`
	Pool   PoolConfig `yaml:"pool"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpenConns           int `yaml:"max_open_conns"`
	MaxIdleConns           int `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleSeconds     int `yaml:"conn_max_idle_seconds"`
}

// ReaperConfig holds the recovery grace windows and policy.
type ReaperConfig struct {
	GraceSeconds             int     `yaml:"grace_seconds"`
	MaxRunDurationSeconds    int     `yaml:"max_run_duration_seconds"`
	LockGraceSeconds         int     `yaml:"lock_grace_seconds"`
	Policy                   string  `yaml:"policy"` // to_failed, to_pending
	RetryDelaySeconds        int     `yaml:"retry_delay_seconds"`
	TransientRetryMultiplier float64 `yaml:"transient_retry_multiplier"`
	BackoffBaseSeconds       int     `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds        int     `yaml:"backoff_max_seconds"`
	IntervalSeconds          int     `yaml:"interval_seconds"`
	BatchSize                int     `yaml:"batch_size"`
}

// WorkerConfig holds the sync worker settings. SyncCommand is only
// used by the standalone `scmsync work` binary; library embedders
// register Go sync functions directly.
type WorkerConfig struct {
	JobTypes                 []string `yaml:"job_types"`
	Concurrency              int      `yaml:"concurrency"`
	PollIntervalSeconds      int      `yaml:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds"`
	SyncCommand              string   `yaml:"sync_command"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StorePool converts the pool section, substituting the storage
// defaults for unset fields so a partial section never disables
// pooling.
func (c DatabaseConfig) StorePool() storage.PoolConfig {
	pool := storage.DefaultPoolConfig()
	if c.Pool.MaxOpenConns > 0 {
		pool.MaxOpenConns = c.Pool.MaxOpenConns
	}
	if c.Pool.MaxIdleConns > 0 {
		pool.MaxIdleConns = c.Pool.MaxIdleConns
	}
	if c.Pool.ConnMaxLifetimeSeconds > 0 {
		pool.ConnMaxLifetime = time.Duration(c.Pool.ConnMaxLifetimeSeconds) * time.Second
	}
	if c.Pool.ConnMaxIdleSeconds > 0 {
		pool.ConnMaxIdleTime = time.Duration(c.Pool.ConnMaxIdleSeconds) * time.Second
	}
	return pool
}

// OpenStore connects to the configured database with pooling applied.
func (c DatabaseConfig) OpenStore() (*storage.GormStore, error) {
	return storage.Open(c.Driver, c.DSN, storage.WithPoolConfig(c.StorePool()))
}

// ReaperConfig converts the reaper section. Zero fields stay zero; the
// reaper constructor applies its own defaults.
func (c *AppConfig) ReaperConfig() reaper.Config {
	return reaper.Config{
		JobGrace:                 secs(c.Reaper.GraceSeconds),
		MaxRunDuration:           secs(c.Reaper.MaxRunDurationSeconds),
		LockGrace:                secs(c.Reaper.LockGraceSeconds),
		RecoveryPolicy:           reaper.Policy(c.Reaper.Policy),
		RetryDelay:               secs(c.Reaper.RetryDelaySeconds),
		TransientRetryMultiplier: c.Reaper.TransientRetryMultiplier,
		Backoff: backoff.Policy{
			Base: secs(c.Reaper.BackoffBaseSeconds),
			Max:  secs(c.Reaper.BackoffMaxSeconds),
		},
		BatchSize: c.Reaper.BatchSize,
	}
}

// ReaperInterval returns the loop interval for `reap` in loop mode.
func (c *AppConfig) ReaperInterval() time.Duration {
	return secs(c.Reaper.IntervalSeconds)
}

// PollInterval returns the worker claim polling interval.
func (c WorkerConfig) PollInterval() time.Duration {
	return secs(c.PollIntervalSeconds)
}

// HeartbeatInterval returns the worker lease refresh interval.
func (c WorkerConfig) HeartbeatInterval() time.Duration {
	return secs(c.HeartbeatIntervalSeconds)
}

func secs(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
