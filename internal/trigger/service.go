package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobmgr/internal/jobs"
	"jobmgr/internal/work"
	logx "jobmgr/pkg/logx"
)

var ErrUnknownSchedule = errors.New("unknown schedule")

const submitWarnThrottle = 5 * time.Second

func New(cfg Config, mgr Manager, kinds *work.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if kinds == nil {
		kinds = work.Default()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		mgr:   mgr,
		kinds: kinds,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply updates the config. A timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Validate checks defs without registering them.
func (s *Service) Validate(defs []Def) error {
	_, err := s.compile(defs)
	return err
}

func (s *Service) compile(defs []Def) ([]*scheduleDef, error) {
	var errs []error
	out := make([]*scheduleDef, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			errs = append(errs, errors.New("schedule name required"))
			continue
		}
		if _, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("schedule %q: duplicate name", d.Name))
			continue
		}
		seen[d.Name] = struct{}{}

		ps, err := ParseSpec(d.Spec)
		if err == nil && !ps.Interval() {
			_, err = s.parser.Parse(ps.Expr)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", d.Name, err))
			continue
		}
		if _, _, err := s.kinds.Build(d.Kind, d.Args); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", d.Name, err))
			continue
		}
		out = append(out, &scheduleDef{
			def:   d,
			spec:  ps,
			state: &runState{},
			warn:  logx.NewSampler(submitWarnThrottle),
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// SetSchedules replaces all schedules. Either every def is valid and the set
// is swapped in, or nothing changes. Run state of schedules that keep their
// name carries over, so a still-running job is not overlapped.
func (s *Service) SetSchedules(defs []Def) error {
	next, err := s.compile(defs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := make(map[string]*scheduleDef, len(s.defs))
	for _, d := range s.defs {
		prev[d.def.Name] = d
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
			d.entryID = 0
		}
	}
	for _, d := range next {
		if p, ok := prev[d.def.Name]; ok {
			d.state = p.state
			d.warn = p.warn
		}
	}
	s.defs = next
	if s.c != nil {
		for _, d := range s.defs {
			s.registerLocked(d)
		}
	}
	s.log.Debug("schedules applied", logx.Int("count", len(next)))
	return nil
}

// Start starts cron triggering.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops cron triggering, waiting (bounded by ctx) for in-flight ticks.
// Jobs already submitted are left to the job manager.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
}

// Fire runs one tick of the named schedule immediately.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	var target *scheduleDef
	for _, d := range s.defs {
		if d.def.Name == name {
			target = d
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	s.fire(target)
	return nil
}

// fire collects the schedule's previous run if it finished, skips the tick
// if it is still running, and otherwise submits a new job.
func (s *Service) fire(d *scheduleDef) {
	st := d.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.last != 0 {
		status, err := s.mgr.Status(st.last)
		switch {
		case err != nil:
			// Cancelled meanwhile.
		case status != jobs.StatusTerminated:
			st.skipped++
			s.log.Debug("schedule tick skipped; previous run still active", logx.String("schedule", d.def.Name), logx.Int("job", int(st.last)))
			return
		default:
			// A reaped run is already gone and Collect reports ErrNotFound.
			if res, err := s.mgr.Collect(st.last); err == nil {
				if msg := jobs.ResultError(res); msg != "" {
					st.failures++
					st.lastErr = msg
				}
			}
		}
		st.last = 0
	}

	impl, args, err := s.kinds.Build(d.def.Kind, d.def.Args)
	if err != nil {
		s.reportSubmitError(d, err)
		return
	}
	id, err := s.mgr.Submit(jobs.SubmitRequest{
		Name:              d.def.Name,
		Impl:              impl,
		Args:              args,
		ScratchSize:       d.def.ScratchBytes,
		Timeout:           d.def.Timeout,
		UseDefaultTimeout: d.def.Timeout == 0,
	})
	if err != nil {
		s.reportSubmitError(d, err)
		return
	}
	st.last = id
	st.runs++
	st.lastAt = time.Now()
}

func (s *Service) reportSubmitError(d *scheduleDef, err error) {
	d.state.failures++
	d.state.lastErr = err.Error()
	if ok, suppressed := d.warn.Allow(); ok {
		s.log.Warn("schedule failed to submit job", logx.String("schedule", d.def.Name), logx.Err(err), logx.Uint64("suppressed", suppressed))
	}
}

func (s *Service) registerLocked(d *scheduleDef) {
	job := cron.FuncJob(func() { s.fire(d) })

	sched, offset, err := d.spec.compile(s.parser, d.def.Name, time.Now().In(s.loc))
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.def.Name), logx.String("spec", d.spec.String()), logx.Err(err))
		return
	}
	d.startupSpread = offset
	d.entryID = s.c.Schedule(sched, job)

	fields := []logx.Field{logx.String("name", d.def.Name), logx.String("spec", d.spec.String()), logx.String("kind", d.def.Kind)}
	if offset > 0 {
		fields = append(fields, logx.Duration("first_run_offset", offset))
	}
	if next := s.previewNextRunsLocked(d.spec.String(), 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("trigger restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns the next n run times of spec, for debug logs only.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
