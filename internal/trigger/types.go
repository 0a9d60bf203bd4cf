package trigger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobmgr/internal/jobs"
	"jobmgr/internal/work"
	logx "jobmgr/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Def is one configured schedule.
//
// Timeout 0 falls back to the manager's default timeout.
type Def struct {
	Name         string
	Spec         string
	Kind         string
	Timeout      time.Duration
	ScratchBytes int
	Args         json.RawMessage
}

// Manager is the part of the job manager the trigger uses.
type Manager interface {
	Submit(req jobs.SubmitRequest) (jobs.JID, error)
	Status(id jobs.JID) (jobs.Status, error)
	Collect(id jobs.JID) (any, error)
}

// runState tracks the latest run of one schedule across ticks.
type runState struct {
	mu       sync.Mutex
	last     jobs.JID
	runs     uint64
	skipped  uint64
	failures uint64
	lastErr  string
	lastAt   time.Time
}

type scheduleDef struct {
	def           Def
	spec          Spec
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
	warn          *logx.Sampler
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	mgr   Manager
	kinds *work.Registry

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef
}

type ScheduleInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Kind     string        `json:"kind"`
	Timeout  time.Duration `json:"timeout"`
	Offset   time.Duration `json:"first_run_offset,omitempty"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	Failures uint64        `json:"failures"`
	LastJob  jobs.JID      `json:"last_job"`
	LastErr  string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
