// Package history persists finished job runs from the event bus into a
// storage.Store.
package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/jobs"
	rtsup "jobmgr/internal/runtime/supervisor"
	"jobmgr/internal/storage"
	logx "jobmgr/pkg/logx"
)

const (
	subscribeBuffer = 256
	writeTimeout    = 2 * time.Second
)

var watched = []string{
	jobs.EventCompleted,
	jobs.EventExpired,
	jobs.EventCancelled,
	jobs.EventCollected,
	jobs.EventShutdown,
}

// Recorder writes one storage.Run per finished job.
//
// A run that completed on its own is recorded from job.completed; the later
// teardown event for the same run (expired/collected/...) is skipped.
type Recorder struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	unsub func()

	written atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

type Stats struct {
	Written uint64 `json:"written"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log}
}

func (r *Recorder) Start(ctx context.Context) error {
	if r.store == nil || r.bus == nil {
		return storage.ErrDisabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return nil
	}
	ch, unsub := r.bus.Subscribe(subscribeBuffer, watched...)
	r.unsub = unsub
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log))
	r.sup.Go("history.recorder", func(ctx context.Context) error {
		return r.loop(ctx, ch)
	})
	return nil
}

// Stop unsubscribes and waits for buffered events to be written.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup, unsub := r.sup, r.unsub
	r.sup, r.unsub = nil, nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	unsub()
	err := sup.Wait(ctx)
	sup.Cancel()
	return err
}

func (r *Recorder) Stats() Stats {
	return Stats{Written: r.written.Load(), Skipped: r.skipped.Load(), Failed: r.failed.Load()}
}

func (r *Recorder) loop(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ev)
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return nil
					}
					r.handle(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) handle(ev eventbus.Event) {
	je, ok := ev.Data.(jobs.JobEvent)
	if !ok {
		return
	}
	if je.Outcome != jobs.OutcomeCompleted && je.Completed {
		r.skipped.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := r.store.AppendRun(ctx, toRun(je))
	if err != nil {
		r.failed.Add(1)
		if !errors.Is(err, storage.ErrClosed) {
			r.log.Warn("run history write failed", logx.String("run_id", je.RunID), logx.Err(err))
		}
		return
	}
	r.written.Add(1)
}

func toRun(je jobs.JobEvent) storage.Run {
	return storage.Run{
		RunID:     je.RunID,
		JobID:     int32(je.ID),
		Name:      je.Name,
		Outcome:   string(je.Outcome),
		Submitted: je.Submitted,
		Finished:  je.Finished,
		Duration:  je.Duration,
		Error:     je.Error,
	}
}
