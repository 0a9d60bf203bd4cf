package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, dependency-free
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain bounds the number of runs kept. 0 means defaultRetain.
	Retain int
}

const defaultRetain = 10000

func (c Config) retain() int {
	if c.Retain <= 0 {
		return defaultRetain
	}
	return c.Retain
}

// Run records one finished job. Keep it compact and schema-stable.
type Run struct {
	RunID     string        `json:"run_id"`
	JobID     int32         `json:"job_id"`
	Name      string        `json:"name"`
	Outcome   string        `json:"outcome"`
	Submitted time.Time     `json:"submitted"`
	Finished  time.Time     `json:"finished"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}
