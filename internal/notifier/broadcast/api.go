package broadcast

import (
	"fmt"
	"sort"
	"time"

	kit "pricebot/internal/transport"
	logx "pricebot/pkg/logx"
)

// NewJob enqueues one message for fan-out to every target and returns a job
// id usable with Status. Used for deal-channel announcements and /announce.
func (s *Service) NewJob(name string, targets []kit.ChatTarget, text string, opt *kit.SendOptions) string {
	now := time.Now()
	id := fmt.Sprintf("bc:%d", now.UnixNano())
	s.pruneStatus(now)
	st := &JobStatus{ID: id, Name: name, Total: len(targets), CreatedAt: now}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	// The queue outlives Start/Stop cycles; a job submitted while stopped
	// stays pending and drains on the next Start.
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	select {
	case q <- job{id: id, name: name, targets: targets, text: text, opt: opt}:
		s.log.Debug("broadcast job enqueued", logx.String("job", id), logx.String("name", name), logx.Int("total", len(targets)), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
	default:
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id), logx.String("name", name), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		s.failAll(id)
	}
	return id
}

func (s *Service) failAll(id string) {
	s.updateStatus(id, func(st *JobStatus) {
		st.DoneAt = time.Now()
		st.Running = false
		st.Failed = st.Total
	})
}

func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	if len(st.Failures) > 0 {
		cp.Failures = append([]kit.ChatTarget(nil), st.Failures...)
	}
	return cp, true
}

// pruneStatus drops finished entries past the TTL and, when the map is
// still over statusMax, evicts the oldest finished entries first.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if s.statusTTL > 0 {
		cutoff := now.Add(-s.statusTTL)
		for id, st := range s.status {
			if st == nil {
				delete(s.status, id)
				continue
			}
			if !st.Running && st.CreatedAt.Before(cutoff) {
				delete(s.status, id)
			}
		}
	}
	if s.statusMax <= 0 || len(s.status) <= s.statusMax {
		return
	}

	type aged struct {
		id string
		at time.Time
	}
	finished := make([]aged, 0, len(s.status))
	for id, st := range s.status {
		if st != nil && !st.Running {
			finished = append(finished, aged{id: id, at: st.CreatedAt})
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })
	for _, f := range finished {
		if len(s.status) <= s.statusMax {
			break
		}
		delete(s.status, f.id)
	}
}
