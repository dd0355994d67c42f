package notifier

import "time"

// Config sizes the delivery pipeline: worker pool, queue depth, the
// per-second send rate, the retry schedule and the dedup window.
// Zero values fall back to working defaults when the service applies
// the config.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// HistoryItem is one delivered alert, kept in memory for /status.
type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is the payload behind the notifier.* bus events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
