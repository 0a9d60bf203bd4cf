package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobmgr/internal/eventbus"
	logx "jobmgr/pkg/logx"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := New(cfg, logx.Nop(), eventbus.New())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func waitFor(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", within, what)
}

// hooks counts callback invocations and remembers the last result seen.
type hooks struct {
	term    atomic.Int32
	exp     atomic.Int32
	mu      sync.Mutex
	termArg any
	expArg  any
}

func (h *hooks) callbacks() Callbacks {
	return Callbacks{
		OnTermination: func(result any) {
			h.term.Add(1)
			h.mu.Lock()
			h.termArg = result
			h.mu.Unlock()
		},
		OnExpiration: func(result any) {
			h.exp.Add(1)
			h.mu.Lock()
			h.expArg = result
			h.mu.Unlock()
		},
	}
}

func blockUntilCancelled(ctx context.Context, _ any, _ []byte) any {
	<-ctx.Done()
	return ctx.Err()
}

func isNotFound(m *Manager, id JID) bool {
	st, err := m.Status(id)
	return errors.Is(err, ErrNotFound) && st == StatusUnknown
}

func hasStatus(m *Manager, id JID, want Status) bool {
	st, err := m.Status(id)
	return err == nil && st == want
}

func TestSubmitReturns42(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	var h hooks
	cbs := h.callbacks()
	onTerm := cbs.OnTermination
	cbs.OnTermination = func(result any) {
		_ = m.Snapshot() // callbacks may re-enter the manager
		onTerm(result)
	}

	id, err := m.Submit(SubmitRequest{
		Impl: Impl{Run: func(ctx context.Context, _ any, _ []byte) any {
			time.Sleep(20 * time.Millisecond)
			return 42
		}},
		Callbacks: cbs,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, time.Second, "status terminated", func() bool {
		st, err := m.Status(id)
		return err == nil && st == StatusTerminated
	})
	got, err := m.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got != 42 {
		t.Fatalf("Result = %v, want 42", got)
	}
	if n := h.term.Load(); n != 1 {
		t.Fatalf("OnTermination fired %d times", n)
	}
	if n := h.exp.Load(); n != 0 {
		t.Fatalf("OnExpiration fired %d times on natural completion", n)
	}
}

func TestReapExpiredJob(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	var h hooks

	start := time.Now()
	id, err := m.Submit(SubmitRequest{
		Impl: Impl{Run: func(context.Context, any, []byte) any {
			time.Sleep(500 * time.Millisecond) // ignores cancellation
			return "late"
		}},
		Callbacks: h.callbacks(),
		Timeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The work sleeps 500ms, so terminated within 300ms means reaped.
	waitFor(t, 300*time.Millisecond, "reap", func() bool { return hasStatus(m, id, StatusTerminated) })
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("reaped after %v, before the deadline", elapsed)
	}
	if n := h.exp.Load(); n != 1 {
		t.Fatalf("OnExpiration fired %d times", n)
	}
	if _, err := m.Result(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Result after reap: err = %v", err)
	}
	if err := m.Cancel(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel after reap: err = %v", err)
	}
	if c := m.Snapshot().Counters; c.Expired != 1 {
		t.Fatalf("counters = %+v, want one expiry", c)
	}

	// The late natural return must not finalize the job a second time.
	waitFor(t, time.Second, "discarded result", func() bool { return m.Snapshot().Counters.Discarded == 1 })
	if n := h.term.Load(); n != 1 {
		t.Fatalf("OnTermination fired %d times", n)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.expArg != nil {
		t.Fatalf("OnExpiration got %v, want nil result", h.expArg)
	}
}

func TestZeroTimeoutNeverReaped(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	var h hooks
	id, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}, Callbacks: h.callbacks()})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	st, err := m.Status(id)
	if err != nil || st != StatusRunning {
		t.Fatalf("Status = %v, %v; want running", st, err)
	}
	if m.Snapshot().Expiring != 0 {
		t.Fatal("job without timeout entered the expiry queue")
	}
	if h.exp.Load() != 0 {
		t.Fatal("job without timeout expired")
	}
}

func TestCancelUnknownID(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	for _, id := range []JID{0, -1, 1, 12345} {
		if err := m.Cancel(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Cancel(%d) = %v, want ErrNotFound", id, err)
		}
	}
}

func TestCancelFreesJob(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	var h hooks
	released := make(chan []byte, 1)
	stopped := make(chan struct{})

	id, err := m.Submit(SubmitRequest{
		Impl: Impl{
			Run: func(ctx context.Context, _ any, _ []byte) any {
				<-ctx.Done()
				close(stopped)
				return nil
			},
			Release: func(_ any, scratch []byte) { released <- scratch },
		},
		Callbacks:   h.callbacks(),
		ScratchSize: 16,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !isNotFound(m, id) {
		t.Fatal("Status resolves after Cancel")
	}
	if _, err := m.Result(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Result after Cancel: err = %v", err)
	}
	if err := m.Cancel(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Cancel: err = %v", err)
	}

	select {
	case buf := <-released:
		if len(buf) != 16 {
			t.Fatalf("release got %d bytes, want 16", len(buf))
		}
	default:
		t.Fatal("release hook did not run before Cancel returned")
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("work function did not observe cancellation")
	}
	if h.term.Load() != 1 || h.exp.Load() != 1 {
		t.Fatalf("callbacks: term=%d exp=%d, want 1/1", h.term.Load(), h.exp.Load())
	}
	snap := m.Snapshot()
	if snap.Live != 0 || snap.ScratchInUse != 0 || snap.Counters.Cancelled != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCapacityExceeded(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Capacity: 3})

	ids := make([]JID, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}})
		if err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if _, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Submit over capacity: err = %v", err)
	}
	if got := m.Snapshot().Counters.Rejected; got != 1 {
		t.Fatalf("Rejected = %d, want 1", got)
	}

	if err := m.Cancel(ids[1]); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Id 4 would land on the slot still held by id 1; it is skipped.
	id, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}})
	if err != nil {
		t.Fatalf("Submit after free: %v", err)
	}
	if id != 5 {
		t.Fatalf("id = %d, want 5", id)
	}
	if !isNotFound(m, ids[1]) || !isNotFound(m, 4) {
		t.Fatal("freed or skipped id still resolves")
	}
}

func TestStaleIDAfterSlotReuse(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Capacity: 2})

	old, err := m.Submit(SubmitRequest{Impl: Impl{Run: func(context.Context, any, []byte) any { return "old" }}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, time.Second, "old job finished", func() bool {
		_, err := m.Result(old)
		return err == nil
	})
	if _, err := m.Collect(old); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	// Two more jobs; the second reuses the old job's slot.
	for i := 0; i < 2; i++ {
		if _, err := m.Submit(SubmitRequest{
			Impl: Impl{Run: func(context.Context, any, []byte) any { return "new" }},
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if m.Snapshot().Live != 2 {
		t.Fatal("expected two live jobs")
	}
	if _, err := m.Result(old); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale id resolved: err = %v", err)
	}
	if !isNotFound(m, old) {
		t.Fatal("stale id resolved via Status")
	}
}

func TestCallbacksAtMostOnceUnderRace(t *testing.T) {
	t.Parallel()
	const n = 64
	m := newTestManager(t, Config{Capacity: n})

	all := make([]*hooks, n)
	for i := range all {
		all[i] = &hooks{}
		d := time.Duration(i%5) * time.Millisecond
		if _, err := m.Submit(SubmitRequest{
			Impl:      Impl{Run: func(context.Context, any, []byte) any { time.Sleep(d); return d }},
			Callbacks: all[i].callbacks(),
			Timeout:   3 * time.Millisecond,
		}); err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, "all jobs reaped", func() bool { return m.Snapshot().Live == 0 })
	for i, h := range all {
		if term, exp := h.term.Load(), h.exp.Load(); term != 1 || exp != 1 {
			t.Fatalf("job %d: term=%d exp=%d, want 1/1", i, term, exp)
		}
	}
}

func TestReapedAfterCompletionStillExpires(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	var h hooks
	id, err := m.Submit(SubmitRequest{
		Impl:      Impl{Run: func(context.Context, any, []byte) any { return "done" }},
		Callbacks: h.callbacks(),
		Timeout:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, time.Second, "natural completion", func() bool {
		st, err := m.Status(id)
		return err == nil && st == StatusTerminated
	})
	if h.exp.Load() != 0 {
		t.Fatal("OnExpiration fired before the deadline")
	}

	waitFor(t, time.Second, "reap", func() bool { return h.exp.Load() == 1 })
	if !hasStatus(m, id, StatusTerminated) {
		t.Fatal("reaped job does not report terminated")
	}
	if _, err := m.Collect(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Collect after reap: err = %v", err)
	}
	if term, exp := h.term.Load(), h.exp.Load(); term != 1 || exp != 1 {
		t.Fatalf("term=%d exp=%d, want 1/1", term, exp)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.expArg != "done" {
		t.Fatalf("OnExpiration got %v, want the job's result", h.expArg)
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	var h hooks
	gate := make(chan struct{})
	id, err := m.Submit(SubmitRequest{
		Impl: Impl{Run: func(context.Context, any, []byte) any {
			<-gate
			return "x"
		}},
		Callbacks: h.callbacks(),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := m.Result(id); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("Result while running: err = %v", err)
	}
	if _, err := m.Collect(id); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("Collect while running: err = %v", err)
	}
	close(gate)

	waitFor(t, time.Second, "finish", func() bool {
		_, err := m.Result(id)
		return err == nil
	})
	got, err := m.Collect(id)
	if err != nil || got != "x" {
		t.Fatalf("Collect = %v, %v", got, err)
	}
	if _, err := m.Collect(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Collect: err = %v", err)
	}
	if h.exp.Load() != 0 {
		t.Fatal("Collect fired OnExpiration")
	}
	waitFor(t, time.Second, "termination callback", func() bool { return h.term.Load() == 1 })
}

func TestScratchBudget(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{MaxScratchBytes: 100, MaxJobScratchBytes: 80})

	if _, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}, ScratchSize: 90}); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("over per-job cap: err = %v", err)
	}

	zeroed := make(chan bool, 1)
	first, err := m.Submit(SubmitRequest{
		Impl: Impl{Run: func(ctx context.Context, _ any, scratch []byte) any {
			ok := len(scratch) == 60
			for _, b := range scratch {
				ok = ok && b == 0
			}
			zeroed <- ok
			<-ctx.Done()
			return nil
		}},
		ScratchSize: 60,
	})
	if err != nil {
		t.Fatalf("Submit 60: %v", err)
	}
	if !<-zeroed {
		t.Fatal("scratch buffer has the wrong size or is not zero-filled")
	}

	if _, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}, ScratchSize: 50}); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("over budget: err = %v", err)
	}
	snap := m.Snapshot()
	if snap.ScratchInUse != 60 || snap.Live != 1 {
		t.Fatalf("failed submit leaked state: %+v", snap)
	}

	if err := m.Cancel(first); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}, ScratchSize: 50}); err != nil {
		t.Fatalf("Submit after release: %v", err)
	}
	if got := m.Snapshot().ScratchInUse; got != 50 {
		t.Fatalf("ScratchInUse = %d, want 50", got)
	}
}

func TestPanickingWorkBecomesResult(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	id, err := m.Submit(SubmitRequest{Impl: Impl{Run: func(context.Context, any, []byte) any { panic("boom") }}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, time.Second, "panic result", func() bool {
		_, err := m.Result(id)
		return err == nil
	})
	res, _ := m.Result(id)
	var pe *PanicError
	err, ok := res.(error)
	if !ok || !errors.As(err, &pe) {
		t.Fatalf("result = %T, want *PanicError", res)
	}
	if pe.Value != "boom" || pe.Stack == "" {
		t.Fatalf("unexpected panic error: %+v", pe)
	}
	if ResultError(res) == "" {
		t.Fatal("ResultError did not report the panic")
	}
}

func TestReapOrderFollowsDeadlines(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	var (
		mu    sync.Mutex
		order []string
	)
	for _, d := range []time.Duration{90, 30, 60} {
		name := fmt.Sprintf("t%d", d)
		if _, err := m.Submit(SubmitRequest{
			Name: name,
			Impl: Impl{Run: blockUntilCancelled},
			Callbacks: Callbacks{OnExpiration: func(any) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}},
			Timeout: d * time.Millisecond,
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	waitFor(t, time.Second, "all reaped", func() bool { return m.Snapshot().Live == 0 })
	mu.Lock()
	defer mu.Unlock()
	want := []string{"t30", "t60", "t90"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("reap order = %v, want %v", order, want)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{})
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "nil run", req: SubmitRequest{}},
		{name: "negative scratch", req: SubmitRequest{Impl: Impl{Run: blockUntilCancelled}, ScratchSize: -1}},
		{name: "negative timeout", req: SubmitRequest{Impl: Impl{Run: blockUntilCancelled}, Timeout: -time.Second}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Submit(tt.req); !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("err = %v, want ErrInvalidJob", err)
			}
		})
	}
}

func TestDefaultTimeout(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{DefaultTimeout: 30 * time.Millisecond})

	plain, _ := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}})
	defaulted, _ := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}, UseDefaultTimeout: true})

	waitFor(t, time.Second, "defaulted job reaped", func() bool { return m.Snapshot().Counters.Expired == 1 })
	if !hasStatus(m, defaulted, StatusTerminated) {
		t.Fatal("defaulted job does not report terminated")
	}
	if !hasStatus(m, plain, StatusRunning) {
		t.Fatal("job with zero timeout was reaped")
	}
}

func TestSubmitRequiresStart(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop(), nil)
	if _, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit before Start: err = %v", err)
	}
}

func TestStopSweepsLiveJobs(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(16, EventShutdown)
	defer unsubscribe()

	m := New(Config{}, logx.Nop(), bus)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	all := make([]*hooks, 4)
	ids := make([]JID, 4)
	for i := range all {
		all[i] = &hooks{}
		req := SubmitRequest{Impl: Impl{Run: blockUntilCancelled}, Callbacks: all[i].callbacks()}
		if i == 3 {
			req.Timeout = time.Hour
		}
		id, err := m.Submit(req)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids[i] = id
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	for i, h := range all {
		if h.exp.Load() != 1 || h.term.Load() != 1 {
			t.Fatalf("job %d: term=%d exp=%d, want 1/1", i, h.term.Load(), h.exp.Load())
		}
		if !isNotFound(m, ids[i]) {
			t.Fatalf("job %d still resolves after Stop", i)
		}
	}
	snap := m.Snapshot()
	if snap.Running || snap.Live != 0 || snap.Expiring != 0 || snap.Counters.Shutdown != 4 {
		t.Fatalf("unexpected snapshot after Stop: %+v", snap)
	}
	if len(events) != 4 {
		t.Fatalf("got %d shutdown events, want 4", len(events))
	}
	if _, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop: err = %v", err)
	}

	// Restart is allowed.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := m.Submit(SubmitRequest{Impl: Impl{Run: blockUntilCancelled}}); err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("final Stop: %v", err)
	}
}

func TestStartContextDoesNotBoundReaper(t *testing.T) {
	t.Parallel()
	m := New(Config{}, logx.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	<-ctx.Done()

	var h hooks
	id, err := m.Submit(SubmitRequest{
		Impl:      Impl{Run: blockUntilCancelled},
		Callbacks: h.callbacks(),
		Timeout:   30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, time.Second, "reap after Start ctx ended", func() bool { return hasStatus(m, id, StatusTerminated) })
	if n := h.exp.Load(); n != 1 {
		t.Fatalf("OnExpiration fired %d times", n)
	}
}

func TestStopConcurrentWithSubmitAndCancel(t *testing.T) {
	t.Parallel()
	const submitters = 4
	m := New(Config{Capacity: 1 << 16}, logx.Nop(), eventbus.New())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	type entry struct {
		id  JID
		exp *atomic.Int32
	}
	var (
		mu       sync.Mutex
		accepted []entry
		rejected []*atomic.Int32
		total    atomic.Int32
	)
	ids := make(chan JID, 1<<16)

	var subWG sync.WaitGroup
	errs := make(chan error, submitters)
	for w := 0; w < submitters; w++ {
		subWG.Add(1)
		go func() {
			defer subWG.Done()
			for {
				exp := new(atomic.Int32)
				id, err := m.Submit(SubmitRequest{
					Impl:      Impl{Run: blockUntilCancelled},
					Callbacks: Callbacks{OnExpiration: func(any) { exp.Add(1) }},
				})
				mu.Lock()
				if err != nil {
					rejected = append(rejected, exp)
					mu.Unlock()
					if !errors.Is(err, ErrStopped) {
						errs <- err
					}
					return
				}
				accepted = append(accepted, entry{id: id, exp: exp})
				mu.Unlock()
				total.Add(1)
				ids <- id
				time.Sleep(50 * time.Microsecond)
			}
		}()
	}

	var cancelWG sync.WaitGroup
	for w := 0; w < 2; w++ {
		cancelWG.Add(1)
		go func() {
			defer cancelWG.Done()
			for id := range ids {
				if id%2 == 0 {
					continue
				}
				if err := m.Cancel(id); err != nil && !errors.Is(err, ErrNotFound) {
					t.Errorf("Cancel(%d): %v", id, err)
				}
			}
		}()
	}

	waitFor(t, 2*time.Second, "submissions in flight", func() bool { return total.Load() >= 200 })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	subWG.Wait()
	close(ids)
	cancelWG.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Submit during Stop: %v, want ErrStopped", err)
	}

	if len(rejected) != submitters {
		t.Fatalf("%d submitters saw ErrStopped, want %d", len(rejected), submitters)
	}
	for _, exp := range rejected {
		if n := exp.Load(); n != 0 {
			t.Fatalf("rejected job fired OnExpiration %d times", n)
		}
	}
	for _, e := range accepted {
		if n := e.exp.Load(); n != 1 {
			t.Fatalf("job %d: OnExpiration fired %d times, want 1", e.id, n)
		}
	}
	snap := m.Snapshot()
	if snap.Live != 0 || snap.Expiring != 0 {
		t.Fatalf("unexpected snapshot after Stop: %+v", snap)
	}
	if c := snap.Counters; c.Cancelled+c.Shutdown != uint64(len(accepted)) {
		t.Fatalf("counters = %+v, want %d teardowns", c, len(accepted))
	}
}
