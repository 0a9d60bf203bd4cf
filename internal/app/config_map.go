package app

import (
	"fmt"
	"strings"
	"time"

	"jobmgr/internal/config"
	"jobmgr/internal/jobs"
	"jobmgr/internal/observability/debug"
	"jobmgr/internal/storage"
	"jobmgr/internal/trigger"
	logx "jobmgr/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	jc := cfg.Jobs
	defTimeout, err := config.Duration("jobs.default_timeout", jc.DefaultTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		Capacity:           jc.Capacity,
		MaxScratchBytes:    jc.MaxScratchBytes,
		MaxJobScratchBytes: jc.MaxJobScratchBytes,
		DefaultTimeout:     defTimeout,
		HistorySize:        jc.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:              cfg.Debug.Enabled,
		Addr:                 cfg.Debug.Addr,
		WriteTimeout:         60 * time.Second, // covers /debug/pprof/profile default 30s
		IdleTimeout:          60 * time.Second,
		MutexProfileFraction: cfg.Debug.MutexProfileFraction,
		BlockProfileRate:     cfg.Debug.BlockProfileRate,
	}
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{Enabled: cfg.Trigger.Enabled, Timezone: cfg.Trigger.Timezone}
}

// mapSchedules converts enabled schedule entries into trigger definitions.
func mapSchedules(cfg *config.Config) ([]trigger.Def, error) {
	defs := make([]trigger.Def, 0, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		if sc.Disabled {
			continue
		}
		timeout, err := config.Duration(fmt.Sprintf("schedules[%d].timeout", i), sc.Timeout)
		if err != nil {
			return nil, err
		}
		defs = append(defs, trigger.Def{
			Name:         strings.TrimSpace(sc.Name),
			Spec:         sc.Spec,
			Kind:         sc.Kind,
			Timeout:      timeout,
			ScratchBytes: sc.ScratchBytes,
			Args:         sc.Args,
		})
	}
	return defs, nil
}
