package jobs

import (
	"context"
	"time"

	logx "jobmgr/pkg/logx"
)

// Stop stops the reaper and force-frees every live job, firing OnExpiration
// for each. Submissions fail with ErrStopped from the moment Stop begins.
//
// The sweep always runs once Stop owns the lifecycle; ctx bounds waiting for
// a concurrent Start or Stop and for the reaper to exit. The manager may be
// started again afterwards.
func (m *Manager) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.hold(ctx); err != nil {
		return err
	}
	defer m.unhold()

	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = stateStopping
	sup := m.sup
	m.mu.Unlock()

	began := time.Now()
	err := sup.Stop(ctx)
	if err != nil {
		m.log.Warn("reaper did not stop cleanly", logx.Err(err))
	}

	// Submit fails with ErrStopped from here on, so the registry only shrinks.
	m.mu.Lock()
	live := m.reg.all()
	for _, rec := range live {
		m.detachLocked(rec)
	}
	m.mu.Unlock()
	for _, rec := range live {
		m.teardown(rec, OutcomeShutdown)
	}

	m.mu.Lock()
	m.state, m.sup, m.wake = stateIdle, nil, nil
	m.mu.Unlock()

	m.log.Info("job manager stopped", logx.Int("swept", len(live)), logx.Duration("took", time.Since(began)))
	return err
}
