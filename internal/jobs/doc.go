// Package jobs is the in-process job lifecycle engine.
//
// # Overview
//
// A Manager accepts jobs (a work function plus caller-owned args, a
// zero-filled scratch buffer and an optional timeout), runs each one on its
// own goroutine and keeps a fixed-capacity table of live jobs addressable by
// a numeric JID. Jobs move Ready -> Running -> Terminated and never go back.
//
// # Expiration
//
// Jobs submitted with a timeout carry an absolute deadline and sit in a heap
// ordered by (deadline, submission order). A single reaper goroutine sleeps on
// a timer armed for the earliest deadline and is woken early when a new job
// becomes the head or the manager stops. Expired jobs are torn down whether
// or not their work function has returned. Jobs submitted with a zero timeout
// never expire.
//
// # Teardown
//
// Natural completion runs the job's Release hook and OnTermination callback
// and marks the job Terminated; the job stays addressable until it is
// collected, cancelled, reaped or swept at shutdown. Forced teardown
// (Cancel, reaping, Stop) unregisters the job first, cancels its context,
// runs the same finalization if it has not run yet, then fires OnExpiration.
// A job that finished naturally and is later reaped therefore still receives
// OnExpiration once; use Collect to retire finished jobs without it.
//
// Cancellation is cooperative: work functions should watch ctx.Done(). A
// work function that ignores its context keeps running in the background but
// can no longer affect the (already freed) job; its result is discarded.
//
// # Locking
//
// One mutex guards the registry, the heap and every job's state. Work
// functions, hooks and callbacks never run under it, so callbacks may call
// back into the Manager. The one exception: a Release hook or OnTermination
// callback must not Cancel or Collect its own job. Both wait for the
// finalization that is invoking the callback and would deadlock.
package jobs
