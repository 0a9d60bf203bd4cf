package jobs

import (
	"context"
	"time"
)

// reap retires expired jobs until ctx is done. It blocks on a timer armed
// for the earliest deadline and is woken early by Submit when a new job
// becomes the head of the queue.
func (m *Manager) reap(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.Lock()
		wake := m.wake
		head := m.queue.peek()
		var wait time.Duration
		if head != nil {
			wait = time.Until(head.deadline)
			if wait <= 0 {
				m.detachLocked(head)
				m.reg.markReaped(head.id)
				m.mu.Unlock()
				m.teardown(head, OutcomeExpired)
				continue
			}
		}
		m.mu.Unlock()

		var fire <-chan time.Time
		if head != nil {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
		}
	}
}
