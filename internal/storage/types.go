package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups that matched nothing.
var ErrNotFound = errors.New("storage: not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
	History     HistoryConfig
}

// HistoryMode selects how price observations accumulate.
type HistoryMode string

const (
	// HistoryUpdate keeps one mutable latest row per item and archives a
	// copy of the outgoing value at most once per SnapshotEvery. Bounded
	// storage, coarse history.
	HistoryUpdate HistoryMode = "update"
	// HistoryAppend inserts a new row on every successful check. Full
	// history, unbounded storage.
	HistoryAppend HistoryMode = "append"
)

type HistoryConfig struct {
	Mode          HistoryMode
	SnapshotEvery time.Duration
}

func (c HistoryConfig) withDefaults() HistoryConfig {
	if c.Mode == "" {
		c.Mode = HistoryUpdate
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 24 * time.Hour
	}
	return c
}

// Tier is the polling priority class of an item. An item is fast-tier when
// at least one of its watchers is VIP, standard otherwise.
type Tier string

const (
	TierFast     Tier = "fast"
	TierStandard Tier = "standard"
)

// Subscriber is one chat identity talking to the bot.
type Subscriber struct {
	ID           int64
	Username     string
	FirstName    string
	Lang         string
	VIP          bool
	ReferralCode string
	ReferredBy   int64 // 0 when the subscriber arrived without a referral
	Referrals    int
	CreatedAt    time.Time
	LastSeenAt   time.Time
}

// Item is one tracked catalog entry, shared by all of its watchers.
type Item struct {
	ID    int64
	ASIN  string
	Title string
	URL   string
	// InitialPrice is the first price ever observed. Set once, then
	// immutable.
	InitialPrice *float64
	// TargetPrice is the optional watcher-set alert threshold.
	TargetPrice *float64
	CreatedAt   time.Time
}

// Observation is one recorded price check.
type Observation struct {
	ItemID    int64
	Price     float64
	Currency  string
	CheckedAt time.Time
}

// WatchedItem is an item joined with its most recent observation, as listed
// in a subscriber's watchlist.
type WatchedItem struct {
	Item
	Latest *Observation
}

// AuditEntry records an operator-visible action (broadcasts, rotation runs).
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      int
	Fail    int
	Error   string
	TookMS  int64
}

// Counts is a point-in-time row tally for status reporting.
type Counts struct {
	Subscribers  int
	Items        int
	Watches      int
	Observations int
}
