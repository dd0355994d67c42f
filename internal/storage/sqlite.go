package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "pricebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db      *sql.DB
	log     logx.Logger
	history HistoryConfig

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, history: cfg.History.withDefaults(), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store ready",
		logx.String("path", cfg.Path),
		logx.String("history_mode", string(st.history.Mode)))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- subscribers ----

const subscriberCols = `id, username, first_name, lang, vip, referral_code, referred_by, referrals, created_at, last_seen_at`

func (s *sqliteStore) UpsertSubscriber(ctx context.Context, sub Subscriber) error {
	now := time.Now()
	created := sub.CreatedAt
	if created.IsZero() {
		created = now
	}
	seen := sub.LastSeenAt
	if seen.IsZero() {
		seen = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, username, first_name, lang, created_at, last_seen_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username     = excluded.username,
		   first_name   = excluded.first_name,
		   lang         = excluded.lang,
		   last_seen_at = excluded.last_seen_at`,
		sub.ID, nullStr(sub.Username), nullStr(sub.FirstName), nullStr(sub.Lang),
		fmtTime(created), fmtTime(seen),
	)
	return err
}

func (s *sqliteStore) Subscriber(ctx context.Context, id int64) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM subscribers WHERE id = ?`, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) Subscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriberCols+` FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EnsureReferralCode(ctx context.Context, id int64, code string) (string, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET referral_code = COALESCE(referral_code, ?) WHERE id = ?`,
		nullStr(code), id,
	); err != nil {
		return "", err
	}
	var out sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT referral_code FROM subscribers WHERE id = ?`, id).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return out.String, nil
}

func (s *sqliteStore) SubscriberByReferralCode(ctx context.Context, code string) (Subscriber, error) {
	if strings.TrimSpace(code) == "" {
		return Subscriber{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM subscribers WHERE referral_code = ?`, code)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	return sub, err
}

func (s *sqliteStore) RecordReferral(ctx context.Context, subscriberID, referrerID int64) (int, bool, error) {
	if referrerID == 0 || subscriberID == referrerID {
		return 0, false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Only the first referral ever counts for a subscriber.
	res, err := tx.ExecContext(ctx,
		`UPDATE subscribers SET referred_by = ? WHERE id = ? AND referred_by = 0`,
		referrerID, subscriberID,
	)
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscribers SET referrals = referrals + 1 WHERE id = ?`, referrerID,
	); err != nil {
		return 0, false, err
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT referrals FROM subscribers WHERE id = ?`, referrerID).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}
	return count, true, tx.Commit()
}

func (s *sqliteStore) SetVIP(ctx context.Context, id int64, vip bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET vip = ? WHERE id = ?`, vip, id)
	return err
}

// ---- items and watches ----

const itemCols = `id, asin, title, url, initial_price, target_price, created_at`

func (s *sqliteStore) EnsureItem(ctx context.Context, asin, title, url string) (Item, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items(asin, title, url, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(asin) DO UPDATE SET
		   title = CASE WHEN IFNULL(items.title,'') = '' THEN excluded.title ELSE items.title END,
		   url   = CASE WHEN IFNULL(items.url,'')   = '' THEN excluded.url   ELSE items.url   END`,
		asin, nullStr(title), nullStr(url), fmtTime(time.Now()),
	)
	if err != nil {
		return Item{}, err
	}
	return s.ItemByASIN(ctx, asin)
}

func (s *sqliteStore) ItemByASIN(ctx context.Context, asin string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE asin = ?`, asin)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) UpdateItemMeta(ctx context.Context, itemID int64, title, url string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET
		   title = CASE WHEN IFNULL(title,'') = '' THEN ? ELSE title END,
		   url   = CASE WHEN IFNULL(url,'')   = '' THEN ? ELSE url   END
		 WHERE id = ?`,
		nullStr(title), nullStr(url), itemID,
	)
	return err
}

func (s *sqliteStore) SetTarget(ctx context.Context, itemID int64, target *float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE items SET target_price = ? WHERE id = ?`, nullFloat(target), itemID)
	return err
}

func (s *sqliteStore) AddWatch(ctx context.Context, subscriberID, itemID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watches(subscriber_id, item_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(subscriber_id, item_id) DO NOTHING`,
		subscriberID, itemID, fmtTime(time.Now()),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RemoveWatch(ctx context.Context, subscriberID, itemID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM watches WHERE subscriber_id = ? AND item_id = ?`,
		subscriberID, itemID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) CountWatches(ctx context.Context, subscriberID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM watches WHERE subscriber_id = ?`, subscriberID).Scan(&n)
	return n, err
}

func (s *sqliteStore) Watchers(ctx context.Context, itemID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber_id FROM watches WHERE item_id = ? ORDER BY created_at, subscriber_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Watchlist(ctx context.Context, subscriberID int64) ([]WatchedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.asin, i.title, i.url, i.initial_price, i.target_price, i.created_at,
		        o.price, o.currency, o.checked_at
		   FROM watches w
		   JOIN items i ON i.id = w.item_id
		   LEFT JOIN observations o ON o.item_id = i.id AND o.latest = 1
		  WHERE w.subscriber_id = ?
		  ORDER BY w.created_at, i.id`,
		subscriberID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WatchedItem
	for rows.Next() {
		var (
			it                    Item
			title, url, createdAt sql.NullString
			initial, target       sql.NullFloat64
			price                 sql.NullFloat64
			currency              sql.NullString
			checkedAt             sql.NullInt64
		)
		if err := rows.Scan(&it.ID, &it.ASIN, &title, &url, &initial, &target, &createdAt,
			&price, &currency, &checkedAt); err != nil {
			return nil, err
		}
		it.Title, it.URL = title.String, url.String
		it.InitialPrice, it.TargetPrice = numPtr(initial), numPtr(target)
		it.CreatedAt = parseTime(createdAt.String)

		w := WatchedItem{Item: it}
		if price.Valid {
			w.Latest = &Observation{
				ItemID:    it.ID,
				Price:     price.Float64,
				Currency:  currency.String,
				CheckedAt: time.UnixMilli(checkedAt.Int64),
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TierPopulation(ctx context.Context, tier Tier) ([]Item, error) {
	vip := 0
	if tier == TierFast {
		vip = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.asin, i.title, i.url, i.initial_price, i.target_price, i.created_at
		   FROM items i
		  WHERE EXISTS (SELECT 1 FROM watches w WHERE w.item_id = i.id)
		    AND (SELECT COALESCE(MAX(s.vip), 0)
		           FROM watches w JOIN subscribers s ON s.id = w.subscriber_id
		          WHERE w.item_id = i.id) = ?
		  ORDER BY i.created_at, i.id`,
		vip,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ---- observations ----

func (s *sqliteStore) CommitCheck(ctx context.Context, itemID int64, price float64, currency string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET initial_price = COALESCE(initial_price, ?) WHERE id = ?`,
		price, itemID,
	); err != nil {
		return err
	}

	ms := at.UnixMilli()
	switch s.history.Mode {
	case HistoryAppend:
		if _, err := tx.ExecContext(ctx,
			`UPDATE observations SET latest = 0 WHERE item_id = ? AND latest = 1`, itemID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO observations(item_id, price, currency, checked_at, latest) VALUES(?,?,?,?,1)`,
			itemID, price, currency, ms); err != nil {
			return err
		}

	default: // HistoryUpdate
		var (
			prevPrice    float64
			prevCurrency string
			prevMS       int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT price, currency, checked_at FROM observations WHERE item_id = ? AND latest = 1`, itemID).
			Scan(&prevPrice, &prevCurrency, &prevMS)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO observations(item_id, price, currency, checked_at, latest) VALUES(?,?,?,?,1)`,
				itemID, price, currency, ms); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			// Archive the outgoing value at most once per snapshot period so
			// windowed statistics keep real points to work with.
			var lastSnap sql.NullInt64
			if err := tx.QueryRowContext(ctx,
				`SELECT MAX(checked_at) FROM observations WHERE item_id = ? AND latest = 0`, itemID).
				Scan(&lastSnap); err != nil {
				return err
			}
			if !lastSnap.Valid || time.UnixMilli(lastSnap.Int64).Before(at.Add(-s.history.SnapshotEvery)) {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO observations(item_id, price, currency, checked_at, latest) VALUES(?,?,?,?,0)`,
					itemID, prevPrice, prevCurrency, prevMS); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE observations SET price = ?, currency = ?, checked_at = ? WHERE item_id = ? AND latest = 1`,
				price, currency, ms, itemID); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LatestObservation(ctx context.Context, itemID int64) (Observation, bool, error) {
	var (
		obs Observation
		ms  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, price, currency, checked_at FROM observations WHERE item_id = ? AND latest = 1`, itemID).
		Scan(&obs.ItemID, &obs.Price, &obs.Currency, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Observation{}, false, nil
	}
	if err != nil {
		return Observation{}, false, err
	}
	obs.CheckedAt = time.UnixMilli(ms)
	return obs, true, nil
}

func (s *sqliteStore) History(ctx context.Context, itemID int64) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, price, currency, checked_at FROM observations WHERE item_id = ? ORDER BY checked_at, id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			obs Observation
			ms  int64
		)
		if err := rows.Scan(&obs.ItemID, &obs.Price, &obs.Currency, &ms); err != nil {
			return nil, err
		}
		obs.CheckedAt = time.UnixMilli(ms)
		out = append(out, obs)
	}
	return out, rows.Err()
}

// ---- rotation cursors ----

func (s *sqliteStore) Cursor(ctx context.Context, tier Tier) (int, error) {
	var pos int
	err := s.db.QueryRowContext(ctx, `SELECT pos FROM cursors WHERE tier = ?`, string(tier)).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return pos, err
}

func (s *sqliteStore) SetCursor(ctx context.Context, tier Tier, pos int, runAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(tier, pos, run_at) VALUES(?,?,?)
		 ON CONFLICT(tier) DO UPDATE SET pos = excluded.pos, run_at = excluded.run_at`,
		string(tier), pos, fmtTime(runAt),
	)
	return err
}

// ---- operational bookkeeping ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, ok, fail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		fmtTime(e.At), e.ActorID, e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM subscribers),
		        (SELECT COUNT(*) FROM items),
		        (SELECT COUNT(*) FROM watches),
		        (SELECT COUNT(*) FROM observations)`).
		Scan(&c.Subscribers, &c.Items, &c.Watches, &c.Observations)
	return c, err
}

// ---- scan and null helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (Subscriber, error) {
	var (
		sub                                         Subscriber
		username, firstName, lang, code, created, seen sql.NullString
	)
	if err := row.Scan(&sub.ID, &username, &firstName, &lang, &sub.VIP, &code,
		&sub.ReferredBy, &sub.Referrals, &created, &seen); err != nil {
		return Subscriber{}, err
	}
	sub.Username = username.String
	sub.FirstName = firstName.String
	sub.Lang = lang.String
	sub.ReferralCode = code.String
	sub.CreatedAt = parseTime(created.String)
	sub.LastSeenAt = parseTime(seen.String)
	return sub, nil
}

func scanItem(row rowScanner) (Item, error) {
	var (
		it                    Item
		title, url, createdAt sql.NullString
		initial, target       sql.NullFloat64
	)
	if err := row.Scan(&it.ID, &it.ASIN, &title, &url, &initial, &target, &createdAt); err != nil {
		return Item{}, err
	}
	it.Title, it.URL = title.String, url.String
	it.InitialPrice, it.TargetPrice = numPtr(initial), numPtr(target)
	it.CreatedAt = parseTime(createdAt.String)
	return it, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func numPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
