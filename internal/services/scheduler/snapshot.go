package scheduler

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`

	Workers   int `json:"workers"`
	QueueLen  int `json:"queue_len"`
	QueueCap  int `json:"queue_cap"`
	Jobs      int `json:"jobs"`
	InFlight  int `json:"in_flight"`
	HistoryLn int `json:"history_len"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Enabled: cfg.Enabled,
		Running: running,
		Workers: cfg.Workers,
		Jobs:    s.reg.Len(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	snap.InFlight = len(s.trk.Running(""))

	s.hmu.Lock()
	snap.HistoryLn = len(s.history)
	s.hmu.Unlock()
	return snap
}
