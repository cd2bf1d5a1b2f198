package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tick := s.cfg.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	items := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		items = append(items, EntryInfo{
			Name:      e.job.Name,
			At:        e.job.At,
			Slot:      e.job.Slot,
			Spec:      e.spec,
			Next:      e.next,
			LastFired: e.lastFired,
			LastError: e.lastErr,
			LastTook:  e.lastTook,
			Runs:      e.runs,
		})
	}
	return Snapshot{
		Running:  s.stop != nil,
		Tick:     tick,
		Timezone: s.loc.String(),
		Entries:  items,
	}
}
