package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pricebot/internal/eventbus"
	logx "pricebot/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Timezone    string // IANA TZ, e.g. "Europe/Rome"; empty means host local
	HistorySize int    // run records kept for status reporting (default 50)
}

const defaultHistorySize = 50

// slowRun is the duration above which a finished task is logged at Info.
const slowRun = 750 * time.Millisecond

// Task is a named recurring job. Names are stable and human readable
// ("rotation.fast", "summary.daily") so tasks can be upserted and removed
// deterministically across config reloads.
type Task struct {
	Name    string
	Spec    string        // anything ParseSchedule accepts
	Timeout time.Duration // per-run bound, 0 means none
	Run     func(ctx context.Context) error
}

// TaskEvent is the payload for "task.*" bus events.
type TaskEvent struct {
	Name    string
	Started time.Time
	Took    time.Duration
	Error   string
}

// RunRecord is one completed (or failed) task run kept in the history ring.
type RunRecord struct {
	Name    string
	Started time.Time
	Took    time.Duration
	Error   string
}

type taskDef struct {
	task    Task
	cron    string        // normalized robfig spec, for display and cron parsing
	every   time.Duration // > 0 for interval tasks
	entryID cron.EntryID

	mu       sync.Mutex
	running  bool
	runs     uint64
	skips    uint64
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

// Service schedules tasks on a robfig/cron runner with a shared timezone.
// Each task runs at most once at a time; overlapping fires are skipped.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   []*taskDef
	runCtx context.Context

	hmu     sync.Mutex
	history []RunRecord
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Service{
		cfg:    cfg,
		bus:    bus,
		log:    log.With(logx.String("svc", "scheduler")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a task, replacing any existing task with the same name.
// When the service is already running the task is armed immediately,
// otherwise it is armed on Start.
func (s *Service) Add(t Task) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task name required")
	}
	if t.Run == nil {
		return fmt.Errorf("task %s has no run function", t.Name)
	}
	ps, err := ParseSchedule(t.Spec)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(t.Name)
	d := &taskDef{task: t, cron: spec, every: ps.Every}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.armLocked(d); err != nil {
		s.log.Error("task register failed", logx.String("task", t.Name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	return nil
}

// AddDaily registers a task firing once a day at the given wall-clock
// HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, at string, timeout time.Duration, run func(ctx context.Context) error) error {
	h, m, err := parseClock(at)
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	return s.Add(Task{
		Name:    name,
		Spec:    fmt.Sprintf("cron:%d %d * * *", m, h),
		Timeout: timeout,
		Run:     run,
	})
}

// Remove unschedules the named task. It reports whether anything was
// removed and is safe to call while stopped.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.task.Name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// Start arms all registered tasks and starts the cron runner. Tasks run
// with ctx as their parent context.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx = ctx
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.armLocked(d); err != nil {
			s.log.Error("task register failed", logx.String("task", d.task.Name), logx.String("spec", d.cron), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("tasks", len(s.defs)), logx.String("tz", s.loc.String()))
}

// Stop halts the cron runner and waits for in-flight runs to finish, or
// for ctx to expire, whichever comes first.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	done := s.c.Stop().Done()
	s.c = nil
	s.runCtx = nil
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with runs in flight")
	}
	s.log.Info("scheduler stopped")
}

// Apply updates the configuration. A timezone change restarts the cron
// runner so armed tasks fire in the new location.
func (s *Service) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	<-s.c.Stop().Done()
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		d.entryID = 0
		if err := s.armLocked(d); err != nil {
			s.log.Error("task register failed", logx.String("task", d.task.Name), logx.String("spec", d.cron), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.defs)))
}

func (s *Service) armLocked(d *taskDef) error {
	if d.every > 0 {
		sched, jitter := intervalWithSpread(d.every, time.Now().In(s.loc), d.task.Name)
		d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(d) }))
		s.log.Debug("task armed",
			logx.String("task", d.task.Name),
			logx.String("spec", d.cron),
			logx.Duration("spread", jitter))
		return nil
	}
	id, err := s.c.AddFunc(d.cron, func() { s.fire(d) })
	if err != nil {
		return err
	}
	d.entryID = id
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("task armed",
			logx.String("task", d.task.Name),
			logx.String("spec", d.cron),
			logx.String("next", s.previewLocked(d.cron, 3)))
	}
	return nil
}

// previewLocked formats the next n fire times of a cron spec for
// registration logging. Call with s.mu held.
func (s *Service) previewLocked(spec string, n int) string {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// fire runs one scheduled invocation of a task. Cron invokes it on a fresh
// goroutine per fire; the running flag is what collapses a fire that
// arrives while the previous run of the same task is still executing.
func (s *Service) fire(d *taskDef) {
	d.mu.Lock()
	if d.running {
		d.skips++
		d.mu.Unlock()
		s.log.Debug("previous run still in flight, fire skipped", logx.String("task", d.task.Name))
		s.publish("task.skipped", TaskEvent{Name: d.task.Name, Started: time.Now(), Error: "overlap"})
		return
	}
	d.running = true
	d.mu.Unlock()

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	cancel := context.CancelFunc(func() {})
	if d.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.task.Timeout)
	}

	start := time.Now()
	s.publish("task.started", TaskEvent{Name: d.task.Name, Started: start})
	err := s.runOne(ctx, d)
	cancel()
	took := time.Since(start)

	d.mu.Lock()
	d.running = false
	d.runs++
	d.lastRun = start
	d.lastTook = took
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()

	s.record(RunRecord{Name: d.task.Name, Started: start, Took: took, Error: errString(err)})

	if err != nil {
		s.log.Warn("task failed", logx.String("task", d.task.Name), logx.Duration("took", took), logx.Err(err))
		s.publish("task.failed", TaskEvent{Name: d.task.Name, Started: start, Took: took, Error: err.Error()})
		return
	}
	if took >= slowRun {
		s.log.Info("task finished", logx.String("task", d.task.Name), logx.Duration("took", took))
	} else {
		s.log.Debug("task finished", logx.String("task", d.task.Name), logx.Duration("took", took))
	}
	s.publish("task.finished", TaskEvent{Name: d.task.Name, Started: start, Took: took})
}

// runOne executes the task body. A panicking task must not take the
// process down with it, so the panic is converted into a run error.
func (s *Service) runOne(ctx context.Context, d *taskDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked",
				logx.String("task", d.task.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return d.task.Run(ctx)
}

func (s *Service) record(r RunRecord) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, r)
	if limit > 0 && len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
