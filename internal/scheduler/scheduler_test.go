package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pricebot/internal/eventbus"
	logx "pricebot/pkg/logx"
)

func newTestService(t *testing.T, bus eventbus.Bus) *Service {
	t.Helper()
	return New(Config{Timezone: "UTC"}, bus, logx.Nop())
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	noop := func(context.Context) error { return nil }
	require.Error(t, s.Add(Task{Name: "", Spec: "10m", Run: noop}))
	require.Error(t, s.Add(Task{Name: "x", Spec: "10m"}))
	require.Error(t, s.Add(Task{Name: "x", Spec: "nope", Run: noop}))

	require.NoError(t, s.Add(Task{Name: "rotation.fast", Spec: "10m", Run: noop}))
	require.NoError(t, s.Add(Task{Name: "rotation.fast", Spec: "15m", Run: noop}))

	tasks := s.Tasks()
	require.Len(t, tasks, 1, "same name must upsert, not duplicate")
	require.Equal(t, "@every 15m0s", tasks[0].Spec)
}

func TestAddDaily(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	require.NoError(t, s.AddDaily("summary.daily", "09:30", 0, func(context.Context) error { return nil }))
	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "30 9 * * *", tasks[0].Spec)

	require.Error(t, s.AddDaily("summary.daily", "25:00", 0, func(context.Context) error { return nil }))
}

func TestFireRunsAndRecordsHistory(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	var calls atomic.Int32
	require.NoError(t, s.Add(Task{
		Name: "rotation.fast",
		Spec: "10m",
		Run: func(context.Context) error {
			if calls.Add(1) == 2 {
				return errors.New("source unavailable")
			}
			return nil
		},
	}))
	d := s.defs[0]

	s.fire(d)
	s.fire(d)

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, uint64(2), tasks[0].Runs)
	require.Equal(t, uint64(0), tasks[0].Skips)
	require.False(t, tasks[0].Running)
	require.Equal(t, "source unavailable", tasks[0].LastErr)
	require.False(t, tasks[0].LastRun.IsZero())

	hist := s.History(0)
	require.Len(t, hist, 2)
	require.Equal(t, "source unavailable", hist[0].Error, "newest record first")
	require.Empty(t, hist[1].Error)

	require.Len(t, s.History(1), 1)
}

func TestFireSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Add(Task{
		Name: "rotation.standard",
		Spec: "1h",
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}))
	d := s.defs[0]

	done := make(chan struct{})
	go func() {
		s.fire(d)
		close(done)
	}()
	<-started

	// A second fire while the first is in flight coalesces into a skip.
	s.fire(d)
	tasks := s.Tasks()
	require.True(t, tasks[0].Running)
	require.Equal(t, uint64(1), tasks[0].Skips)

	close(release)
	<-done
	tasks = s.Tasks()
	require.False(t, tasks[0].Running)
	require.Equal(t, uint64(1), tasks[0].Runs)
}

func TestFireRecoversPanic(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	require.NoError(t, s.Add(Task{
		Name: "rotation.fast",
		Spec: "10m",
		Run:  func(context.Context) error { panic("boom") },
	}))

	s.fire(s.defs[0])

	tasks := s.Tasks()
	require.Equal(t, uint64(1), tasks[0].Runs)
	require.Contains(t, tasks[0].LastErr, "panic")
	require.False(t, tasks[0].Running, "a panicking task must release its run slot")
}

func TestFireAppliesTimeout(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	require.NoError(t, s.Add(Task{
		Name:    "rotation.fast",
		Spec:    "10m",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	s.fire(s.defs[0])
	require.Contains(t, s.Tasks()[0].LastErr, "deadline")
}

func TestFirePublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := newTestService(t, bus)
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	require.NoError(t, s.Add(Task{
		Name: "summary.daily",
		Spec: "1h",
		Run:  func(context.Context) error { return errors.New("no recipients") },
	}))
	s.fire(s.defs[0])

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			payload, ok := ev.Data.(TaskEvent)
			require.True(t, ok)
			require.Equal(t, "summary.daily", payload.Name)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	require.Equal(t, []string{"task.started", "task.failed"}, types)
}

func TestStartArmsAndStops(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	require.NoError(t, s.Add(Task{Name: "summary.daily", Spec: "cron:0 9 * * *", Run: func(context.Context) error { return nil }}))

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	require.False(t, tasks[0].NextRun.IsZero(), "armed task has a next fire time")

	// Registering against a live runner arms immediately.
	require.NoError(t, s.Add(Task{Name: "rotation.fast", Spec: "10m", Run: func(context.Context) error { return nil }}))
	tasks = s.Tasks()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.False(t, task.NextRun.IsZero())
	}

	require.True(t, s.Remove("rotation.fast"))
	require.False(t, s.Remove("rotation.fast"))
	require.Len(t, s.Tasks(), 1)
}

func TestIntervalFirstFireIsSpread(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	every := 10 * time.Minute

	sched, jitter := intervalWithSpread(every, now, "rotation.fast")
	require.GreaterOrEqual(t, jitter, time.Duration(0))
	require.Less(t, jitter, maxStartupSpread)

	first := sched.Next(now)
	require.Equal(t, now.Add(every+jitter), first)

	// After the first fire the base interval takes over.
	second := sched.Next(first.Add(time.Second))
	require.True(t, second.After(first))
	require.LessOrEqual(t, second.Sub(first), every+time.Second)
}

func TestShortIntervalSpreadStaysWithinPeriod(t *testing.T) {
	t.Parallel()

	now := time.Now()
	_, jitter := intervalWithSpread(5*time.Second, now, "tiny")
	require.Less(t, jitter, 5*time.Second)
}

func TestApplyTimezoneRestarts(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)

	require.NoError(t, s.Add(Task{Name: "summary.daily", Spec: "cron:0 9 * * *", Run: func(context.Context) error { return nil }}))
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	s.Apply(Config{Timezone: "Europe/Rome"})

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	require.False(t, tasks[0].NextRun.IsZero(), "task stays armed across a timezone change")
	require.Equal(t, "Europe/Rome", s.loc.String())
}
