package trigger

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStartupOffset bounds how far the first run of an interval schedule is
// pushed back past its interval.
const maxStartupOffset = 30 * time.Second

const (
	FormCron     = "cron"
	FormDuration = "duration"
	FormHHMM     = "hhmm"
)

// Spec is a parsed schedule string. Exactly one of Expr and Every is set.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 * * * *" (seconds optional), "@hourly", "@every 55m"
//   - Go duration: "55m", "2h30m"
//   - HH:MM interval: "00:50" is 50 minutes, "02:30" is 2h30m
//
// A "cron:" prefix forces cron; "interval:" or "every:" forces an interval.
type Spec struct {
	Expr  string
	Every time.Duration
	Form  string
}

func (sp Spec) Interval() bool { return sp.Every > 0 }

// String renders the spec in the syntax the cron parser accepts.
func (sp Spec) String() string {
	if sp.Interval() {
		return "@every " + sp.Every.String()
	}
	return sp.Expr
}

var errNoSchedule = errors.New("schedule required")

func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errNoSchedule
	}
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		rest = strings.TrimSpace(rest)
		switch strings.ToLower(prefix) {
		case "cron":
			if rest == "" {
				return Spec{}, fmt.Errorf("cron: %w", errNoSchedule)
			}
			return Spec{Expr: rest, Form: FormCron}, nil
		case "interval", "every":
			return parseInterval(rest)
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return Spec{Expr: s, Form: FormCron}, nil
	}
	if sp, err := parseInterval(s); err == nil {
		return sp, nil
	}
	return Spec{}, fmt.Errorf("invalid schedule %q: want a cron expression, HH:MM or a duration such as 55m", raw)
}

func parseInterval(v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("interval: %w", errNoSchedule)
	}
	sp := Spec{Form: FormDuration}
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		d, err := hhmm(hh, mm)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q: %w", v, err)
		}
		sp.Every, sp.Form = d, FormHHMM
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q", v)
		}
		sp.Every = d
	}
	if sp.Every <= 0 {
		return Spec{}, fmt.Errorf("invalid interval %q: must be positive", v)
	}
	return sp, nil
}

// hhmm reads hours (up to 3 digits) and two-digit minutes below 60.
func hhmm(hh, mm string) (time.Duration, error) {
	if len(hh) == 0 || len(hh) > 3 || len(mm) != 2 {
		return 0, errors.New("want HH:MM")
	}
	h, err := strconv.ParseUint(hh, 10, 16)
	if err != nil {
		return 0, errors.New("want HH:MM")
	}
	m, err := strconv.ParseUint(mm, 10, 8)
	if err != nil || m > 59 {
		return 0, errors.New("minutes must be 00-59")
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// startupOffset spreads the first run of interval schedules registered
// together, in whole seconds. The offset depends only on the name, so it is
// stable across restarts and reloads.
func startupOffset(name string, every time.Duration) time.Duration {
	secs := uint64(min(every, maxStartupOffset) / time.Second)
	if secs == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64()%secs) * time.Second
}

// offsetSchedule is an interval whose first activation is at first.
type offsetSchedule struct {
	every cron.Schedule
	first time.Time
}

func (s offsetSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// compile turns sp into a cron schedule registered at now. The returned
// offset is the extra delay before the first interval run.
func (sp Spec) compile(p cron.Parser, name string, now time.Time) (cron.Schedule, time.Duration, error) {
	if !sp.Interval() {
		sched, err := p.Parse(sp.Expr)
		return sched, 0, err
	}
	off := startupOffset(name, sp.Every)
	return offsetSchedule{every: cron.Every(sp.Every), first: now.Add(sp.Every + off)}, off, nil
}
