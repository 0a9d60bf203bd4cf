package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "jobmgr/pkg/logx"
)

// Validate checks the static shape of cfg. Checks that need other packages
// (schedule syntax, work kinds) run in the app's reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidFormat(cfg.Logging.Format) {
		add("logging.format: unknown format %q", cfg.Logging.Format)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled")
	}

	if cfg.Jobs.Capacity < 0 {
		add("jobs.capacity must be >= 0")
	}
	if cfg.Jobs.MaxScratchBytes < 0 {
		add("jobs.max_scratch_bytes must be >= 0")
	}
	if cfg.Jobs.MaxJobScratchBytes < 0 {
		add("jobs.max_job_scratch_bytes must be >= 0")
	}
	if cfg.Jobs.HistorySize < 0 {
		add("jobs.history_size must be >= 0")
	}
	if _, err := Duration("jobs.default_timeout", cfg.Jobs.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}

	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required for driver %q", d)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := Duration("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if addr := strings.TrimSpace(cfg.Debug.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add("debug.addr: %v", err)
		}
	}

	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("trigger.timezone: %v", err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add("%s.name is required", path)
		} else {
			if _, dup := seen[name]; dup {
				add("%s.name: duplicate schedule %q", path, name)
			}
			seen[name] = struct{}{}
		}
		if strings.TrimSpace(s.Spec) == "" {
			add("%s.spec is required", path)
		}
		if strings.TrimSpace(s.Kind) == "" {
			add("%s.kind is required", path)
		}
		if s.ScratchBytes < 0 {
			add("%s.scratch_bytes must be >= 0", path)
		}
		if _, err := Duration(path+".timeout", s.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
