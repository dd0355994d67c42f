package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kit "pricebot/internal/transport"
	logx "pricebot/pkg/logx"
)

type fakeAdapter struct {
	mu     sync.Mutex
	sent   map[int64]int
	failID int64 // this chat always fails
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if to.ChatID == f.failID {
		return kit.MessageRef{}, errors.New("telegram: blocked by user")
	}
	if f.sent == nil {
		f.sent = map[int64]int{}
	}
	f.sent[to.ChatID]++
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) delivered(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[chatID]
}

func targets(ids ...int64) []kit.ChatTarget {
	out := make([]kit.ChatTarget, len(ids))
	for i, id := range ids {
		out[i] = kit.ChatTarget{ChatID: id}
	}
	return out
}

func waitDone(t *testing.T, s *Service, jobID string) JobStatus {
	t.Helper()
	var st JobStatus
	require.Eventually(t, func() bool {
		got, ok := s.Status(jobID)
		if !ok {
			return false
		}
		st = got
		return !st.DoneAt.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestBroadcastFanOut(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{}
	s := New(Config{Enabled: true, Workers: 2, RatePerSec: 1000}, fake, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	id := s.NewJob("deal", targets(1, 2, 3), "New all-time low", nil)
	st := waitDone(t, s, id)

	require.Equal(t, 3, st.Total)
	require.Equal(t, 3, st.Done)
	require.Zero(t, st.Failed)
	require.False(t, st.Running)
	for _, chat := range []int64{1, 2, 3} {
		require.Equal(t, 1, fake.delivered(chat))
	}
}

func TestBroadcastTracksFailures(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{failID: 2}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000, RetryMax: 1}, fake, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	id := s.NewJob("deal", targets(1, 2, 3), "text", nil)
	st := waitDone(t, s, id)

	require.Equal(t, 3, st.Done, "failed targets still count as processed")
	require.Equal(t, 1, st.Failed)
	require.Len(t, st.Failures, 1)
	require.Equal(t, int64(2), st.Failures[0].ChatID)
	require.Equal(t, 1, fake.delivered(1))
	require.Equal(t, 1, fake.delivered(3))
}

func TestBroadcastJobPendingUntilStart(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, fake, logx.Nop())

	id := s.NewJob("deal", targets(1, 2), "text", nil)
	st, ok := s.Status(id)
	require.True(t, ok)
	require.True(t, st.DoneAt.IsZero(), "job waits in the queue while stopped")
	require.Zero(t, fake.delivered(1))

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	st = waitDone(t, s, id)
	require.Equal(t, 2, st.Done)
	require.Zero(t, st.Failed)
	require.Equal(t, 1, fake.delivered(1))
	require.Equal(t, 1, fake.delivered(2))
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeAdapter{}, logx.Nop())
	_, ok := s.Status("bc:missing")
	require.False(t, ok)
}

func TestPruneStatusBounds(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeAdapter{}, logx.Nop())
	s.statusMax = 2
	s.statusTTL = time.Hour

	now := time.Now()
	s.statusMu.Lock()
	s.status["old"] = &JobStatus{ID: "old", CreatedAt: now.Add(-2 * time.Hour)}
	s.status["a"] = &JobStatus{ID: "a", CreatedAt: now.Add(-3 * time.Minute)}
	s.status["b"] = &JobStatus{ID: "b", CreatedAt: now.Add(-2 * time.Minute)}
	s.status["c"] = &JobStatus{ID: "c", CreatedAt: now.Add(-time.Minute)}
	s.status["live"] = &JobStatus{ID: "live", CreatedAt: now.Add(-3 * time.Hour), Running: true}
	s.statusMu.Unlock()

	s.pruneStatus(now)

	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	require.NotContains(t, s.status, "old", "finished entries past the TTL go first")
	require.Contains(t, s.status, "live", "running jobs are never pruned")
	require.Contains(t, s.status, "c")
	require.NotContains(t, s.status, "a", "oldest finished entries evicted down to the cap")
}
