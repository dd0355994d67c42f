package broadcast

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	kit "pricebot/internal/transport"
	logx "pricebot/pkg/logx"
)

func sendRate(cfg Config) int {
	if cfg.RatePerSec > 0 {
		return cfg.RatePerSec
	}
	return 10
}

func workerCount(cfg Config) int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return 4
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := sendRate(cfg)
	return &Service{
		cfg:       cfg,
		adapter:   adapter,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		queue:     make(chan job, 256),
		status:    map[string]*JobStatus{},
		statusMax: 200,
		statusTTL: 24 * time.Hour,
	}
}

// Enabled reports the current config flag; Apply may flip it at any
// time.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply installs a new config. The rate limit follows immediately; a
// changed worker count takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	rps := sendRate(cfg)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

// Start spins up the worker pool. A Start during an in-flight Stop
// waits for the drain first; two pools must never run at once.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.Int("workers", cur.Workers), logx.Int("rps", cur.RatePerSec))

	for {
		s.mu.Lock()
		if s.stopCh == nil {
			s.startLocked(ctx)
			s.mu.Unlock()
			return
		}
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			// Already running.
			return
		}
		select {
		case <-done:
			// Stop finished; try again.
		case <-ctx.Done():
			return
		}
	}
}

// startLocked builds the run state and launches the workers. The
// caller holds s.mu and has checked the service is not running.
func (s *Service) startLocked(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := workerCount(s.cfg)
	rps := sendRate(s.cfg)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	// The queue carries over from any previous run, so jobs submitted
	// while stopped are still pending here.
	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go s.runWorker(runCtx, stopCh, queue, i)
	}
	s.log.Info("service started", logx.Int("workers", workers), logx.Int("rps", rps))
}

func (s *Service) runWorker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job, idx int) {
	defer s.workerWG.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in broadcaster worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	s.log.Debug("worker started", logx.Int("worker", idx))
	s.worker(ctx, stopCh, queue)
	s.log.Debug("worker stopped", logx.Int("worker", idx))
}

// Stop signals the pool and waits until ctx's deadline for the jobs in
// flight. Queued jobs stay pending for the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// The drain keeps going in the background.
	}
}
