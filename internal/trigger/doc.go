// Package trigger submits configured jobs on cron or interval schedules.
//
// The trigger is responsible only for:
//   - registering schedules
//   - computing next trigger times
//   - building the job from its work kind and submitting it to the job manager
//   - collecting the previous run of a schedule once it has finished
//
// Execution, timeouts and teardown belong to the job manager.
package trigger
