package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Sampler throttles repetitive log lines (queue full, capacity exceeded, ...).
//
// Allow returns true at most once per interval (burst 1). Suppressed calls are
// counted so the next allowed line can report how many were skipped.
// A nil Sampler always allows.
type Sampler struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

func NewSampler(every time.Duration) *Sampler {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Sampler{lim: rate.NewLimiter(rate.Every(every), 1)}
}

// Allow reports whether a line may be emitted now. When it returns true, the
// second value is the number of lines suppressed since the last allowed one.
func (s *Sampler) Allow() (bool, uint64) {
	if s == nil {
		return true, 0
	}
	if !s.lim.Allow() {
		s.suppressed.Add(1)
		return false, 0
	}
	return true, s.suppressed.Swap(0)
}
