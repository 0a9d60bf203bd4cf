package config

import (
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Jobs sizes the job manager. Changes require a restart.
	Jobs JobsConfig `json:"jobs"`

	// Storage is the optional run-history sink. Nil or driver "none" disables it.
	Storage *StorageConfig `json:"storage,omitempty"`

	Debug   DebugConfig   `json:"debug,omitempty"`
	Trigger TriggerConfig `json:"trigger"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format of stdout lines: "console" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// JobsConfig controls the job manager.
//
// Defaults (when fields are omitted/zero):
//   - capacity: 128
//   - max_scratch_bytes: 0 (no total budget)
//   - max_job_scratch_bytes: 0 (no per-job cap)
//   - default_timeout: "0s" (scheduled jobs without a timeout never expire)
//   - history_size: 200
type JobsConfig struct {
	Capacity           int   `json:"capacity,omitempty"`
	MaxScratchBytes    int64 `json:"max_scratch_bytes,omitempty"`
	MaxJobScratchBytes int   `json:"max_job_scratch_bytes,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional debug HTTP server (job snapshot + pprof).
//
// Prefer binding to localhost; the server has no authentication.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6061"

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// TriggerConfig controls the schedule trigger.
type TriggerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig submits a job of the given work kind on every tick.
//
// Spec accepts cron expressions, descriptors (@daily, @every 30s), Go
// durations ("10m") and "HH:MM" intervals, optionally prefixed with
// "cron:" or "interval:".
type ScheduleConfig struct {
	Name         string          `json:"name"`
	Spec         string          `json:"spec"`
	Kind         string          `json:"kind"`
	Timeout      string          `json:"timeout,omitempty"`
	ScratchBytes int             `json:"scratch_bytes,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Disabled     bool            `json:"disabled,omitempty"`
}
