package storage

import (
	"context"
	"time"

	logx "pricebot/pkg/logx"
)

// Store is the persistence API consumed by the bot, the rotation runner and
// the notifier. One SQLite-backed implementation exists; the interface keeps
// the consumers testable.
type Store interface {
	// Subscribers.
	UpsertSubscriber(ctx context.Context, sub Subscriber) error
	Subscriber(ctx context.Context, id int64) (Subscriber, error)
	Subscribers(ctx context.Context) ([]Subscriber, error)
	EnsureReferralCode(ctx context.Context, id int64, code string) (string, error)
	SubscriberByReferralCode(ctx context.Context, code string) (Subscriber, error)
	// RecordReferral links a subscriber to the referrer who invited them and
	// bumps the referrer's tally. Self-referrals and repeat referrals are
	// no-ops; applied reports whether the link was made.
	RecordReferral(ctx context.Context, subscriberID, referrerID int64) (count int, applied bool, err error)
	SetVIP(ctx context.Context, id int64, vip bool) error

	// Items and watches.
	EnsureItem(ctx context.Context, asin, title, url string) (Item, error)
	ItemByASIN(ctx context.Context, asin string) (Item, error)
	UpdateItemMeta(ctx context.Context, itemID int64, title, url string) error
	SetTarget(ctx context.Context, itemID int64, target *float64) error
	AddWatch(ctx context.Context, subscriberID, itemID int64) (created bool, err error)
	RemoveWatch(ctx context.Context, subscriberID, itemID int64) (removed bool, err error)
	CountWatches(ctx context.Context, subscriberID int64) (int, error)
	Watchers(ctx context.Context, itemID int64) ([]int64, error)
	Watchlist(ctx context.Context, subscriberID int64) ([]WatchedItem, error)
	// TierPopulation lists the items belonging to a tier, ordered by
	// creation so rotation order is stable across runs. Items nobody
	// watches are excluded.
	TierPopulation(ctx context.Context, tier Tier) ([]Item, error)

	// Observations. CommitCheck persists one successful check as its own
	// transaction: it backfills the initial price when still unset and
	// records the observation per the configured history mode.
	CommitCheck(ctx context.Context, itemID int64, price float64, currency string, at time.Time) error
	LatestObservation(ctx context.Context, itemID int64) (Observation, bool, error)
	History(ctx context.Context, itemID int64) ([]Observation, error)

	// Rotation cursors, one per tier.
	Cursor(ctx context.Context, tier Tier) (int, error)
	SetCursor(ctx context.Context, tier Tier, pos int, runAt time.Time) error

	// Operational bookkeeping.
	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Counts(ctx context.Context) (Counts, error)

	Close() error
}

// Open initializes the SQLite store at cfg.Path, creating the schema when
// missing.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
