package jobs

import (
	"context"
	"time"
)

// JID identifies a job for its lifetime. Zero and negative values are never issued.
type JID int32

type Status int

// StatusUnknown is only returned alongside an error.
const (
	StatusUnknown Status = iota
	StatusReady
	StatusRunning
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// WorkFunc is the body of a job. len(scratch) is the requested buffer size.
// The returned value becomes the job's result.
type WorkFunc func(ctx context.Context, args any, scratch []byte) any

// ReleaseFunc is called once when the job terminates, before OnTermination.
type ReleaseFunc func(args any, scratch []byte)

type Callback func(result any)

type Impl struct {
	Run     WorkFunc
	Release ReleaseFunc
}

type Callbacks struct {
	OnTermination Callback
	OnExpiration  Callback
}

// SubmitRequest describes one job.
//
// Timeout 0 means the job never expires. UseDefaultTimeout substitutes
// Config.DefaultTimeout when Timeout is 0.
type SubmitRequest struct {
	Name              string
	Impl              Impl
	Args              any
	Callbacks         Callbacks
	ScratchSize       int
	Timeout           time.Duration
	UseDefaultTimeout bool
}

// Config controls a Manager. Capacity is fixed for the Manager's lifetime.
type Config struct {
	// Capacity is the number of registry slots (max live jobs). Default 128.
	Capacity int

	// MaxScratchBytes bounds the total scratch memory held by live jobs.
	// 0 disables the budget.
	MaxScratchBytes int64

	// MaxJobScratchBytes bounds a single job's scratch buffer. 0 disables the cap.
	MaxJobScratchBytes int

	DefaultTimeout time.Duration

	// HistorySize bounds the in-memory list of finished runs kept for snapshots.
	HistorySize int
}

const (
	defaultCapacity    = 128
	defaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.MaxScratchBytes < 0 {
		c.MaxScratchBytes = 0
	}
	if c.MaxJobScratchBytes < 0 {
		c.MaxJobScratchBytes = 0
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Outcome names how a run ended. It doubles as the event type suffix.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeExpired   Outcome = "expired"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeCollected Outcome = "collected"
	OutcomeShutdown  Outcome = "shutdown"
)

// Event types published on the bus.
const (
	EventSubmitted = "job.submitted"
	EventRejected  = "job.rejected"
	EventCompleted = "job." + string(OutcomeCompleted)
	EventExpired   = "job." + string(OutcomeExpired)
	EventCancelled = "job." + string(OutcomeCancelled)
	EventCollected = "job." + string(OutcomeCollected)
	EventShutdown  = "job." + string(OutcomeShutdown)
)

// JobEvent is the payload of every job.* event.
//
// Completed reports whether the run was already reported by a job.completed
// event (always true for job.completed itself).
type JobEvent struct {
	ID        JID           `json:"id"`
	RunID     string        `json:"run_id"`
	Name      string        `json:"name"`
	Outcome   Outcome       `json:"outcome,omitempty"`
	Submitted time.Time     `json:"submitted"`
	Finished  time.Time     `json:"finished"`
	Duration  time.Duration `json:"duration"`
	Completed bool          `json:"completed"`
	Error     string        `json:"error,omitempty"`
}

type HistoryItem struct {
	ID        JID           `json:"id"`
	RunID     string        `json:"run_id"`
	Name      string        `json:"name"`
	Outcome   Outcome       `json:"outcome"`
	Submitted time.Time     `json:"submitted"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// JobView is a read-only view of one live job.
type JobView struct {
	ID           JID       `json:"id"`
	RunID        string    `json:"run_id"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	Submitted    time.Time `json:"submitted"`
	Deadline     time.Time `json:"deadline"`
	Finished     bool      `json:"finished"`
	ScratchBytes int       `json:"scratch_bytes"`
}

type Counters struct {
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
	Expired   uint64 `json:"expired"`
	Cancelled uint64 `json:"cancelled"`
	Collected uint64 `json:"collected"`
	Shutdown  uint64 `json:"shutdown"`
	Discarded uint64 `json:"discarded"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running      bool          `json:"running"`
	Capacity     int           `json:"capacity"`
	Live         int           `json:"live"`
	Expiring     int           `json:"expiring"`
	ScratchInUse int64         `json:"scratch_in_use"`
	ScratchLimit int64         `json:"scratch_limit"`
	Counters     Counters      `json:"counters"`
	Jobs         []JobView     `json:"jobs"`
	History      []HistoryItem `json:"history"`
}
