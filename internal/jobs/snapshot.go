package jobs

// Snapshot returns a point-in-time view of the manager for diagnostics.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	recs := m.reg.all()
	jobs := make([]JobView, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, rec.view())
	}
	snap := Snapshot{
		Running:      m.state == stateRunning,
		Capacity:     m.reg.capacity(),
		Live:         m.reg.len(),
		Expiring:     m.queue.Len(),
		ScratchInUse: m.scratchInUse,
		ScratchLimit: m.cfg.MaxScratchBytes,
		Counters:     m.counters,
		Jobs:         jobs,
	}
	m.mu.Unlock()

	m.hmu.Lock()
	snap.History = append([]HistoryItem(nil), m.history...)
	m.hmu.Unlock()
	return snap
}
