package trigger

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := append([]*scheduleDef(nil), s.defs...)
	entries := make([]ScheduleInfo, len(defs))
	c := s.c
	for i, d := range defs {
		entries[i] = ScheduleInfo{
			Name:    d.def.Name,
			Spec:    d.spec.String(),
			Kind:    d.def.Kind,
			Timeout: d.def.Timeout,
			Offset:  d.startupSpread,
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			entries[i].Next = e.Next
			entries[i].Prev = e.Prev
		}
	}
	loc := s.loc
	s.mu.Unlock()

	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	for i, d := range defs {
		st := d.state
		st.mu.Lock()
		entries[i].Runs = st.runs
		entries[i].Skipped = st.skipped
		entries[i].Failures = st.failures
		entries[i].LastJob = st.last
		entries[i].LastErr = st.lastErr
		st.mu.Unlock()
	}

	return Snapshot{
		Enabled:   enabled,
		Running:   c != nil,
		Timezone:  tz,
		Schedules: entries,
	}
}
