package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobmgr/internal/eventbus"
	rtsup "jobmgr/internal/runtime/supervisor"
	logx "jobmgr/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Manager owns the registry, the expiry queue and the reaper.
// The zero value is not usable; construct with New.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	reg          *registry
	queue        expiryQueue
	seq          uint64
	scratchInUse int64
	counters     Counters

	// life is a one-slot semaphore held for the whole of Start or Stop.
	life  chan struct{}
	state lifecycle
	sup   *rtsup.Supervisor
	wake  chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	capacityWarn *logx.Sampler
	memoryWarn   *logx.Sampler
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Manager {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:          cfg,
		log:          log,
		bus:          bus,
		reg:          newRegistry(cfg.Capacity),
		life:         make(chan struct{}, 1),
		capacityWarn: logx.NewSampler(warnThrottleEvery),
		memoryWarn:   logx.NewSampler(warnThrottleEvery),
	}
}

type lifecycle uint8

const (
	stateIdle lifecycle = iota
	stateRunning
	stateStopping
)

// hold takes the lifecycle slot, or gives up when ctx ends.
func (m *Manager) hold(ctx context.Context) error {
	select {
	case m.life <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unhold() { <-m.life }

// Start launches the reaper. Calling Start on a running manager is a no-op.
// If a Stop is in progress, Start waits for it (bounded by ctx) first.
// Canceling ctx after Start returns does not stop the manager.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.hold(ctx); err != nil {
		return err
	}
	defer m.unhold()

	m.mu.Lock()
	if m.state == stateRunning {
		m.mu.Unlock()
		return nil
	}
	// ctx only bounds the wait above; the reaper lives until Stop.
	sup := rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(m.log))
	m.sup, m.wake, m.state = sup, make(chan struct{}, 1), stateRunning
	m.mu.Unlock()

	sup.GoRestart("reaper", m.reap)

	m.log.Info("job manager started", logx.Int("capacity", m.cfg.Capacity), logx.Int64("scratch_limit", m.cfg.MaxScratchBytes))
	return nil
}

// Running reports whether the manager accepts submissions.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateRunning
}

// Submit registers a job and starts it on its own goroutine.
func (m *Manager) Submit(req SubmitRequest) (JID, error) {
	if req.Impl.Run == nil {
		return 0, fmt.Errorf("%w: run func is nil", ErrInvalidJob)
	}
	if req.ScratchSize < 0 {
		return 0, fmt.Errorf("%w: scratch size must be >= 0", ErrInvalidJob)
	}
	if req.Timeout < 0 {
		return 0, fmt.Errorf("%w: timeout must be >= 0", ErrInvalidJob)
	}
	timeout := req.Timeout
	if timeout == 0 && req.UseDefaultTimeout {
		timeout = m.cfg.DefaultTimeout
	}
	if m.cfg.MaxJobScratchBytes > 0 && req.ScratchSize > m.cfg.MaxJobScratchBytes {
		m.reject(req, ErrOutOfMemory)
		return 0, fmt.Errorf("%w: %d bytes requested, per-job limit %d", ErrOutOfMemory, req.ScratchSize, m.cfg.MaxJobScratchBytes)
	}

	// Allocate outside the lock; on any failure below the buffer is simply dropped.
	scratch := make([]byte, req.ScratchSize)
	now := time.Now()
	jobCtx, cancel := context.WithCancel(context.Background())
	rec := &Record{
		runID:     uuid.NewString(),
		name:      req.Name,
		submitted: now,
		impl:      req.Impl,
		callbacks: req.Callbacks,
		args:      req.Args,
		ctx:       jobCtx,
		cancel:    cancel,
		status:    StatusReady,
		scratch:   scratch,
		heapIndex: -1,
	}
	if timeout > 0 {
		rec.deadline = now.Add(timeout)
	}

	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		cancel()
		return 0, ErrStopped
	}
	if lim := m.cfg.MaxScratchBytes; lim > 0 && m.scratchInUse+int64(len(scratch)) > lim {
		inUse := m.scratchInUse
		m.mu.Unlock()
		cancel()
		m.reject(req, ErrOutOfMemory)
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, len(scratch), inUse, lim)
	}
	id, err := m.reg.register(rec)
	if err != nil {
		m.mu.Unlock()
		cancel()
		m.reject(req, err)
		return 0, err
	}
	if rec.name == "" {
		rec.name = fmt.Sprintf("job-%d", id)
	}
	m.seq++
	rec.seq = m.seq
	m.scratchInUse += int64(len(scratch))
	m.counters.Submitted++
	newHead := m.queue.push(rec)
	m.dispatchLocked(rec)
	wake := m.wake
	m.mu.Unlock()

	if newHead {
		signal(wake)
	}

	m.log.Debug("job submitted", logx.Job(int64(id), rec.name), logx.Duration("timeout", timeout), logx.Int("scratch", len(scratch)))
	m.publish(EventSubmitted, JobEvent{ID: id, RunID: rec.runID, Name: rec.name, Submitted: now})
	return id, nil
}

func (m *Manager) reject(req SubmitRequest, err error) {
	m.mu.Lock()
	m.counters.Rejected++
	m.mu.Unlock()

	s := m.capacityWarn
	if errors.Is(err, ErrOutOfMemory) {
		s = m.memoryWarn
	}
	if ok, suppressed := s.Allow(); ok {
		m.log.Warn("job rejected", logx.String("name", req.Name), logx.Err(err), logx.Int("scratch", req.ScratchSize), logx.Uint64("suppressed", suppressed))
	}
	m.publish(EventRejected, JobEvent{Name: req.Name, Submitted: time.Now(), Error: err.Error()})
}

// Status returns the status of a live job. A job retired by the reaper
// reports StatusTerminated until its slot is reused; cancelled, collected
// and swept jobs are not found.
func (m *Manager) Status(id JID) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reg.lookup(id)
	if !ok {
		if m.reg.wasReaped(id) {
			return StatusTerminated, nil
		}
		return StatusUnknown, ErrNotFound
	}
	return rec.status, nil
}

// Result returns a finished job's result without retiring the job.
// ErrNotFinished is returned while the work function is still running.
func (m *Manager) Result(id JID) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.reg.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.done {
		return nil, ErrNotFinished
	}
	return rec.result, nil
}

// Collect returns a finished job's result and frees the job.
// Unlike Cancel, it does not fire OnExpiration.
func (m *Manager) Collect(id JID) (any, error) {
	m.mu.Lock()
	rec, ok := m.reg.lookup(id)
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if !rec.done {
		m.mu.Unlock()
		return nil, ErrNotFinished
	}
	result := rec.result
	m.detachLocked(rec)
	m.mu.Unlock()

	m.teardown(rec, OutcomeCollected)
	return result, nil
}

// Cancel force-frees a job. The job is gone when Cancel returns, though its
// goroutine may keep running until the work function observes ctx.Done().
func (m *Manager) Cancel(id JID) error {
	m.mu.Lock()
	rec, ok := m.reg.lookup(id)
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.detachLocked(rec)
	m.mu.Unlock()

	m.teardown(rec, OutcomeCancelled)
	return nil
}

// terminate is the natural-completion path, run by the worker after the
// work function returned and its result was stored. Idempotent.
func (m *Manager) terminate(rec *Record) {
	m.mu.Lock()
	if rec.freed || rec.status == StatusTerminated {
		m.mu.Unlock()
		return
	}
	result := rec.result
	m.mu.Unlock()

	ran := m.finalize(rec, result)

	m.mu.Lock()
	rec.status = StatusTerminated
	freed := rec.freed
	if ran {
		m.counters.Completed++
	}
	// The expiry entry stays: reaping a finished job still retires it.
	m.mu.Unlock()

	if !ran {
		return
	}
	ev := JobEvent{
		ID:        rec.id,
		RunID:     rec.runID,
		Name:      rec.name,
		Outcome:   OutcomeCompleted,
		Submitted: rec.submitted,
		Finished:  time.Now(),
		Completed: true,
		Error:     ResultError(result),
	}
	ev.Duration = ev.Finished.Sub(rec.submitted)
	m.record(ev)
	m.publish(EventCompleted, ev)
	m.log.Debug("job completed", logx.Job(int64(rec.id), rec.name), logx.Duration("dur", ev.Duration), logx.Bool("freed", freed))
}

// finalize runs Release then OnTermination once per record. Concurrent
// callers block until the first finishes, and report whether they ran it.
func (m *Manager) finalize(rec *Record, result any) bool {
	rec.finMu.Lock()
	defer rec.finMu.Unlock()
	if rec.finalized {
		return false
	}
	rec.finalized = true
	if release := rec.impl.Release; release != nil {
		m.safeCall(rec, "release", func() { release(rec.args, rec.scratch) })
	}
	if cb := rec.callbacks.OnTermination; cb != nil {
		m.safeCall(rec, "on_termination", func() { cb(result) })
	}
	return true
}

// detachLocked unregisters rec and claims its teardown. Caller holds m.mu.
func (m *Manager) detachLocked(rec *Record) {
	m.queue.remove(rec)
	m.reg.remove(rec)
	rec.freed = true
}

// teardown is the forced-teardown path (plus Collect). rec must already be
// detached, which guarantees a single teardown per record.
func (m *Manager) teardown(rec *Record, outcome Outcome) {
	rec.cancel()

	m.mu.Lock()
	result := rec.result
	done := rec.done
	m.mu.Unlock()
	completed := done

	// A finished run whose finalization happens here never gets a
	// job.completed event, so this event has to carry it.
	if m.finalize(rec, result) {
		completed = false
	}
	if outcome != OutcomeCollected {
		if cb := rec.callbacks.OnExpiration; cb != nil {
			m.safeCall(rec, "on_expiration", func() { cb(result) })
		}
	}

	now := time.Now()
	m.mu.Lock()
	rec.status = StatusTerminated
	m.scratchInUse -= int64(len(rec.scratch))
	rec.scratch = nil
	rec.result = nil
	switch outcome {
	case OutcomeExpired:
		m.counters.Expired++
	case OutcomeCancelled:
		m.counters.Cancelled++
	case OutcomeCollected:
		m.counters.Collected++
	case OutcomeShutdown:
		m.counters.Shutdown++
	}
	m.mu.Unlock()

	ev := JobEvent{
		ID:        rec.id,
		RunID:     rec.runID,
		Name:      rec.name,
		Outcome:   outcome,
		Submitted: rec.submitted,
		Finished:  now,
		Duration:  now.Sub(rec.submitted),
		Completed: completed,
		Error:     ResultError(result),
	}
	if !completed {
		m.record(ev)
	}
	m.publish("job."+string(outcome), ev)
	if outcome == OutcomeExpired {
		m.log.Info("job expired", logx.Job(int64(rec.id), rec.name), logx.Bool("done", done), logx.Duration("age", ev.Duration))
	} else {
		m.log.Debug("job freed", logx.Job(int64(rec.id), rec.name), logx.String("outcome", string(outcome)))
	}
}

func (m *Manager) safeCall(rec *Record, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("job hook panicked", logx.Job(int64(rec.id), rec.name), logx.String("hook", what), logx.Any("panic", r))
		}
	}()
	fn()
}

func (m *Manager) record(ev JobEvent) {
	item := HistoryItem{
		ID:        ev.ID,
		RunID:     ev.RunID,
		Name:      ev.Name,
		Outcome:   ev.Outcome,
		Submitted: ev.Submitted,
		Duration:  ev.Duration,
		Error:     ev.Error,
	}
	m.hmu.Lock()
	m.history = append(m.history, item)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.hmu.Unlock()
}

func (m *Manager) publish(typ string, ev JobEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// signal performs a non-blocking send on a 1-buffered wake channel.
func signal(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
