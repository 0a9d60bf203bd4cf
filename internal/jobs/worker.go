package jobs

import (
	"context"
	"runtime/debug"
	"time"
)

// dispatchLocked marks rec Running and starts its goroutine. Caller holds m.mu.
//
// Everything the worker needs is captured here so the goroutine never reads
// record fields that a forced teardown may clear.
func (m *Manager) dispatchLocked(rec *Record) {
	rec.status = StatusRunning
	ctx, run, args, scratch := rec.ctx, rec.impl.Run, rec.args, rec.scratch
	go m.run(ctx, rec, run, args, scratch)
}

func (m *Manager) run(ctx context.Context, rec *Record, run WorkFunc, args any, scratch []byte) {
	result := execute(ctx, run, args, scratch)

	m.mu.Lock()
	if rec.freed {
		// Torn down while running; the result has no owner.
		m.counters.Discarded++
		m.mu.Unlock()
		return
	}
	rec.result = result
	rec.done = true
	rec.finished = time.Now()
	m.mu.Unlock()

	m.terminate(rec)
}

func execute(ctx context.Context, run WorkFunc, args any, scratch []byte) (result any) {
	defer func() {
		if r := recover(); r != nil {
			result = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return run(ctx, args, scratch)
}
