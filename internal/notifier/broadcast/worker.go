package broadcast

import (
	"context"
	"time"

	kit "pricebot/internal/transport"
	logx "pricebot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// A pending stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.setRunning(j.id)
	s.log.Info("broadcast job started", logx.String("job", j.id), logx.String("name", j.name), logx.Int("total", len(j.targets)))

	for _, t := range j.targets {
		if err := s.sendOne(ctx, j.id, j.name, t, j.text, j.opt); err != nil {
			s.markFail(j.id, t)
		}
		s.markDone(j.id)
	}
	s.finish(j.id)

	fields := []logx.Field{
		logx.String("job", j.id),
		logx.String("name", j.name),
		logx.Duration("dur", time.Since(start)),
	}
	if st, ok := s.Status(j.id); ok {
		fields = append(fields, logx.Int("total", st.Total), logx.Int("failed", st.Failed))
		if st.Failed > 0 {
			s.log.Warn("broadcast job finished with failures", fields...)
			return
		}
	}
	s.log.Info("broadcast job finished", fields...)
}

// sendOne delivers text to one chat, retrying up to RetryMax extra
// attempts with a short linear backoff. The limiter and config are
// snapshotted per call; Apply may swap them between sends.
func (s *Service) sendOne(ctx context.Context, jobID, jobName string, t kit.ChatTarget, text string, opt *kit.SendOptions) error {
	s.mu.Lock()
	lim := s.limiter
	retry := max(s.cfg.RetryMax, 0)
	adapter := s.adapter
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	var last error
	for attempt := 0; attempt <= retry; attempt++ {
		_, err := adapter.SendText(ctx, t, text, opt)
		if err == nil {
			return nil
		}
		last = err
		if attempt == retry {
			break
		}
		delay := time.Duration(200+100*attempt) * time.Millisecond
		s.log.Debug("broadcast send retry scheduled", logx.String("job", jobID), logx.String("name", jobName), logx.Int64("chat_id", t.ChatID), logx.Int("attempt", attempt+2), logx.Duration("delay", delay), logx.Err(err))
		if !waitRetry(ctx, delay) {
			return ctx.Err()
		}
	}
	s.log.Warn("broadcast send failed", logx.String("job", jobID), logx.String("name", jobName), logx.Int64("chat_id", t.ChatID), logx.Int("thread_id", t.ThreadID), logx.Err(last))
	return last
}

func waitRetry(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// updateStatus runs fn on the entry for id, if one exists, under the
// status lock.
func (s *Service) updateStatus(id string, fn func(*JobStatus)) {
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
	s.statusMu.Unlock()
}

func (s *Service) setRunning(id string) {
	s.updateStatus(id, func(st *JobStatus) {
		st.StartedAt = time.Now()
		st.Running = true
	})
}

func (s *Service) markDone(id string) {
	s.updateStatus(id, func(st *JobStatus) { st.Done++ })
}

// failureListCap bounds JobStatus.Failures per job.
const failureListCap = 200

func (s *Service) markFail(id string, t kit.ChatTarget) {
	s.updateStatus(id, func(st *JobStatus) {
		st.Failed++
		if len(st.Failures) < failureListCap {
			st.Failures = append(st.Failures, t)
		}
	})
}

func (s *Service) finish(id string) {
	now := time.Now()
	s.updateStatus(id, func(st *JobStatus) {
		st.DoneAt = now
		st.Running = false
	})
	s.pruneStatus(now)
}
