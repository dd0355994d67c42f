package scheduler

import (
	"sort"
	"time"
)

// TaskStatus is a point-in-time view of one registered task.
type TaskStatus struct {
	Name     string
	Spec     string
	Running  bool
	Runs     uint64
	Skips    uint64
	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
	NextRun  time.Time
}

// Tasks returns the registered tasks sorted by name.
func (s *Service) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.defs))
	for _, d := range s.defs {
		d.mu.Lock()
		st := TaskStatus{
			Name:     d.task.Name,
			Spec:     d.cron,
			Running:  d.running,
			Runs:     d.runs,
			Skips:    d.skips,
			LastRun:  d.lastRun,
			LastTook: d.lastTook,
			LastErr:  d.lastErr,
		}
		d.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			st.NextRun = s.c.Entry(d.entryID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns the most recent run records, newest first. A limit of 0
// returns everything kept in the ring.
func (s *Service) History(limit int) []RunRecord {
	s.hmu.Lock()
	defer s.hmu.Unlock()

	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RunRecord, 0, n)
	for i := len(s.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.history[i])
	}
	return out
}
