package config

import (
	"fmt"
	"strings"
	"time"

	"livesched/internal/runner"
	"livesched/internal/storage"
	"livesched/internal/stream"
	logx "livesched/pkg/logx"
)

// Config is the full daemon configuration. Files may be JSON or YAML;
// both go through the same strict decoder, so unknown keys are rejected
// early instead of being silently ignored.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Streams   StreamsConfig   `json:"streams"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./livesched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the materialization runner.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "30s"
//   - materialize_interval: "1m"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds a single job run.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaterializeInterval is how often the materialization pass runs.
	MaterializeInterval string `json:"materialize_interval,omitempty"`

	// MaterializeWorkers bounds the per-pass rule fanout.
	MaterializeWorkers int `json:"materialize_workers,omitempty"`

	// Timezone the cron runner fires in. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

// StreamsConfig controls the stream lifecycle sweeps.
//
// Defaults (when fields are omitted/zero):
//   - auto_start_grace: "5m"
//   - auto_start_interval: "1m"
//   - auto_end_interval: "1m"
//   - retention: "720h" (30 days)
//   - cleanup_interval: "1h"
type StreamsConfig struct {
	AutoStartGrace    string `json:"auto_start_grace,omitempty"`
	AutoStartInterval string `json:"auto_start_interval,omitempty"`
	AutoEndInterval   string `json:"auto_end_interval,omitempty"`
	Retention         string `json:"retention,omitempty"`
	CleanupInterval   string `json:"cleanup_interval,omitempty"`
}

// NotifierConfig controls operator notifications over Telegram.
// A nil section disables the notifier.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// PollTimeout is a Go duration string for the bot long poll.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// Validate checks cross-field invariants and duration syntax. It is also
// installed as the hot-reload validator, so a bad edit never reaches the
// running services.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required for sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"scheduler.materialize_interval", c.Scheduler.MaterializeInterval},
		{"streams.auto_start_grace", c.Streams.AutoStartGrace},
		{"streams.auto_start_interval", c.Streams.AutoStartInterval},
		{"streams.auto_end_interval", c.Streams.AutoEndInterval},
		{"streams.retention", c.Streams.Retention},
		{"streams.cleanup_interval", c.Streams.CleanupInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers: must be >= 0")
	}
	if c.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.queue_size: must be >= 0")
	}

	if c.Notifier != nil && c.Notifier.Enabled {
		if strings.TrimSpace(c.Notifier.Token) == "" {
			return fmt.Errorf("notifier.token: required when notifier is enabled")
		}
		if c.Notifier.ChatID == 0 {
			return fmt.Errorf("notifier.chat_id: required when notifier is enabled")
		}
		if _, err := ParseDurationField("notifier.poll_timeout", c.Notifier.PollTimeout); err != nil {
			return err
		}
	}
	return nil
}

// LogxConfig converts the logging section for pkg/logx.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// StorageConfig converts the storage section for storage.Open. Call
// Validate first; conversion assumes well-formed durations.
func (c *Config) StorageConfig() storage.Config {
	busy, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}
}

// RunnerConfig converts the scheduler section for the runner service.
func (c *Config) RunnerConfig() runner.Config {
	timeout, _ := ParseDurationOrDefault("scheduler.default_timeout", c.Scheduler.DefaultTimeout, 30*time.Second)
	return runner.Config{
		Workers:        c.Scheduler.Workers,
		QueueSize:      c.Scheduler.QueueSize,
		DefaultTimeout: timeout,
		Timezone:       c.Scheduler.Timezone,
	}
}

// MaterializeInterval returns how often the materialization pass fires.
func (c *Config) MaterializeInterval() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.materialize_interval", c.Scheduler.MaterializeInterval, time.Minute)
	return d
}

// LifecycleConfig converts the streams section for the lifecycle sweeps.
func (c *Config) LifecycleConfig() stream.Config {
	grace, _ := ParseDurationOrDefault("streams.auto_start_grace", c.Streams.AutoStartGrace, 5*time.Minute)
	retention, _ := ParseDurationOrDefault("streams.retention", c.Streams.Retention, 30*24*time.Hour)
	return stream.Config{
		AutoStartGrace: grace,
		Retention:      retention,
	}
}

// SweepIntervals returns the auto-start, auto-end and cleanup cadences.
func (c *Config) SweepIntervals() (autoStart, autoEnd, cleanup time.Duration) {
	autoStart, _ = ParseDurationOrDefault("streams.auto_start_interval", c.Streams.AutoStartInterval, time.Minute)
	autoEnd, _ = ParseDurationOrDefault("streams.auto_end_interval", c.Streams.AutoEndInterval, time.Minute)
	cleanup, _ = ParseDurationOrDefault("streams.cleanup_interval", c.Streams.CleanupInterval, time.Hour)
	return autoStart, autoEnd, cleanup
}
