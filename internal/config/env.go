package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "JOBMGR_"

// envOverrides lists the settings that may be overridden from the
// environment. Pointers stay nil when the variable is unset.
type envOverrides struct {
	LogLevel      *string `env:"LOG_LEVEL"`
	LogFormat     *string `env:"LOG_FORMAT"`
	JobsCapacity  *int    `env:"JOBS_CAPACITY"`
	StorageDriver *string `env:"STORAGE_DRIVER"`
	StoragePath   *string `env:"STORAGE_PATH"`
	DebugEnabled  *bool   `env:"DEBUG_ENABLED"`
	DebugAddr     *string `env:"DEBUG_ADDR"`
}

// ApplyEnv overlays JOBMGR_* variables onto cfg. A nil environ reads the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if cfg == nil {
		return nil
	}
	var o envOverrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = strings.TrimSpace(*o.LogLevel)
	}
	if o.LogFormat != nil {
		cfg.Logging.Format = strings.TrimSpace(*o.LogFormat)
	}
	if o.JobsCapacity != nil {
		cfg.Jobs.Capacity = *o.JobsCapacity
	}
	if o.StorageDriver != nil || o.StoragePath != nil {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if o.StorageDriver != nil {
			cfg.Storage.Driver = strings.TrimSpace(*o.StorageDriver)
		}
		if o.StoragePath != nil {
			cfg.Storage.Path = strings.TrimSpace(*o.StoragePath)
		}
	}
	if o.DebugEnabled != nil {
		cfg.Debug.Enabled = *o.DebugEnabled
	}
	if o.DebugAddr != nil {
		cfg.Debug.Addr = strings.TrimSpace(*o.DebugAddr)
	}
	return nil
}
