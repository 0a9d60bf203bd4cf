package config

import (
	"sort"
	"strings"

	logx "jobmgr/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging and (3) the names of schedules that were
// added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.capacity", newCfg.Jobs.Capacity),
			logx.Int64("jobs.max_scratch_bytes", newCfg.Jobs.MaxScratchBytes),
			logx.Int("jobs.max_job_scratch_bytes", newCfg.Jobs.MaxJobScratchBytes),
			logx.String("jobs.default_timeout", strings.TrimSpace(newCfg.Jobs.DefaultTimeout)),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
		)
	}

	if oldCfg.Trigger.Enabled != newCfg.Trigger.Enabled ||
		strings.TrimSpace(oldCfg.Trigger.Timezone) != strings.TrimSpace(newCfg.Trigger.Timezone) {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)),
		)
	}

	schedChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(schedChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedChanged)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

// RestartRequired reports sections whose changes only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if s == "jobs" || s == "storage" {
			out = append(out, s)
		}
	}
	return out
}

func diffSchedules(oldS, newS []ScheduleConfig) []string {
	index := func(in []ScheduleConfig) map[string]ScheduleConfig {
		m := make(map[string]ScheduleConfig, len(in))
		for _, s := range in {
			m[strings.TrimSpace(s.Name)] = s
		}
		return m
	}
	oldM, newM := index(oldS), index(newS)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !sameSchedule(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sameSchedule(a, b ScheduleConfig) bool {
	return strings.TrimSpace(a.Spec) == strings.TrimSpace(b.Spec) &&
		strings.TrimSpace(a.Kind) == strings.TrimSpace(b.Kind) &&
		strings.TrimSpace(a.Timeout) == strings.TrimSpace(b.Timeout) &&
		a.ScratchBytes == b.ScratchBytes &&
		a.Disabled == b.Disabled &&
		sameJSON(a.Args, b.Args)
}
