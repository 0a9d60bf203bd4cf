package jobs

import (
	"context"
	"sync"
	"time"
)

// Record is the state of one submitted job.
//
// Fields below mu-guarded are owned by the Manager lock. impl, callbacks,
// args, ctx and cancel are set before the record is published and never
// change afterwards.
type Record struct {
	id        JID
	runID     string
	name      string
	submitted time.Time
	deadline  time.Time // zero: never expires
	seq       uint64    // submission order, breaks deadline ties

	impl      Impl
	callbacks Callbacks
	args      any
	ctx       context.Context
	cancel    context.CancelFunc

	// guarded by Manager.mu
	status    Status
	scratch   []byte
	result    any
	done      bool // work function returned
	finished  time.Time
	freed     bool // forced teardown claimed; unregistered
	heapIndex int  // -1 when not in the expiry queue

	// finalization (Release + OnTermination) runs at most once
	finMu     sync.Mutex
	finalized bool
}

func (r *Record) hasDeadline() bool { return !r.deadline.IsZero() }

func (r *Record) view() JobView {
	return JobView{
		ID:           r.id,
		RunID:        r.runID,
		Name:         r.name,
		Status:       r.status,
		Submitted:    r.submitted,
		Deadline:     r.deadline,
		Finished:     r.done,
		ScratchBytes: len(r.scratch),
	}
}
