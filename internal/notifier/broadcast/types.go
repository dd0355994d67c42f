package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "pricebot/internal/transport"
	logx "pricebot/pkg/logx"
)

// Config sizes the fan-out pool. RetryMax counts extra attempts per
// chat after the first send.
type Config struct {
	Enabled    bool
	Workers    int
	RatePerSec int
	RetryMax   int
}

// job is one message bound for a list of chats.
type job struct {
	id      string
	name    string
	targets []kit.ChatTarget
	text    string
	opt     *kit.SendOptions
}

// JobStatus is the queryable progress of one fan-out. Done counts every
// processed target, failed ones included; Failures lists the targets
// that never accepted the message, capped so one huge job cannot pin
// arbitrary memory.
type JobStatus struct {
	ID       string
	Name     string
	Total    int
	Done     int
	Failed   int
	Failures []kit.ChatTarget

	// CreatedAt is when NewJob recorded the entry; pruning goes by it
	// even for jobs that never ran.
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

// Service fans one message out to many chats through a small worker
// pool behind a shared rate limit. The queue outlives Start/Stop
// cycles, so jobs submitted while stopped drain on the next Start.
type Service struct {
	mu sync.Mutex

	cfg     Config
	adapter kit.Adapter
	log     logx.Logger

	limiter *rate.Limiter
	queue   chan job
	stopCh  chan struct{}
	// stopDone is non-nil while a Stop drains; it closes when the last
	// worker has exited.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// status holds recent job progress, bounded by statusMax entries
	// and statusTTL age.
	statusMu  sync.RWMutex
	status    map[string]*JobStatus
	statusMax int
	statusTTL time.Duration
}
