package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobmgr/internal/config"
	"jobmgr/internal/eventbus"
	"jobmgr/internal/history"
	"jobmgr/internal/jobs"
	"jobmgr/internal/observability/debug"
	"jobmgr/internal/runtime/sdnotify"
	rtsup "jobmgr/internal/runtime/supervisor"
	"jobmgr/internal/storage"
	"jobmgr/internal/trigger"
	"jobmgr/internal/work"
	logx "jobmgr/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	kinds *work.Registry
	jobs  *jobs.Manager
	rec   *history.Recorder
	trig  *trigger.Service
	debug *debug.Service
	sd    *sdnotify.Notifier
}

func NewApp(cfgPath string) (*App, error) {
	kinds := work.Default()

	cfgm := config.NewConfigManager(cfgPath)
	// Schedules are compiled against the registered work kinds so a bad
	// hot-reload is rejected before it is committed.
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		defs, err := mapSchedules(cfg)
		if err != nil {
			return err
		}
		return trigger.New(mapTriggerConfig(cfg), nil, kinds, logx.Nop()).Validate(defs)
	})
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	jc, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	mgr := jobs.New(jc, log.With(logx.String("comp", "jobs")), bus)
	trig := trigger.New(mapTriggerConfig(cfg), mgr, kinds, log.With(logx.String("comp", "trigger")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		kinds:   kinds,
		jobs:    mgr,
		trig:    trig,
		sd:      sdnotify.New(log),
	}
	if store != nil {
		a.rec = history.New(store, bus, log.With(logx.String("comp", "history")))
	}

	src := debug.Sources{Jobs: mgr, Schedules: trig, Goroutines: a.supervisorSnapshot}
	if store != nil {
		src.Runs = store
	}
	a.debug = debug.New(mapDebugConfig(cfg), src, log)
	return a, nil
}

// supervisorSnapshot is read by debug handlers, which only run after Start.
func (a *App) supervisorSnapshot() rtsup.Snapshot { return a.sup.Snapshot() }

func (a *App) Jobs() *jobs.Manager       { return a.jobs }
func (a *App) Trigger() *trigger.Service { return a.trig }
func (a *App) Kinds() *work.Registry     { return a.kinds }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	if err := a.jobs.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.rec != nil {
		if err := a.rec.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	defs, err := mapSchedules(cfg)
	if err != nil {
		return err
	}
	if err := a.trig.SetSchedules(defs); err != nil {
		return err
	}
	if a.trig.Enabled() {
		a.trig.Start(a.sup.Context())
	}

	a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(cfg))

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("sd.watchdog", func(c context.Context) error {
		return a.sd.Watchdog(c, a.jobs.Running)
	})
	a.sd.Ready()

	a.log.Info("app started",
		logx.Int("capacity", a.jobs.Snapshot().Capacity),
		logx.Int("schedules", len(defs)),
		logx.Bool("history", a.store != nil),
	)
	return nil
}

// applyConfig pushes a committed config to the live services.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs, schedChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that require a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	prevTrig := a.trig.Enabled()
	tc := mapTriggerConfig(newCfg)
	a.trig.Apply(tc)
	if len(schedChanged) > 0 {
		a.log.Debug("schedule changes detected", logx.Any("schedules", schedChanged))
		if defs, err := mapSchedules(newCfg); err != nil {
			a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		} else if err := a.trig.SetSchedules(defs); err != nil {
			a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		}
	}
	switch {
	case prevTrig && !tc.Enabled:
		a.log.Info("trigger disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.trig.Stop(stopCtx)
		cancel()
	case !prevTrig && tc.Enabled:
		a.log.Info("trigger enabled via config")
		a.trig.Start(c)
	}

	a.debug.Reconfigure(c, mapDebugConfig(newCfg))

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log the leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Trigger first so nothing new is submitted during the sweep.
	step("trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("jobs", 3*time.Second, func(c context.Context) error { return a.jobs.Stop(c) })
	// The recorder drains the shutdown events emitted by the sweep.
	step("history", 2*time.Second, func(c context.Context) error {
		if a.rec != nil {
			return a.rec.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, watchdog, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Uint64("events_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
