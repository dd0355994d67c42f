package rotation

import (
	"context"
	"errors"
	"time"

	"pricebot/internal/amazon"
	"pricebot/internal/storage"
	"pricebot/internal/track"
	logx "pricebot/pkg/logx"
)

// Config shapes one tier's runs.
type Config struct {
	Tier   storage.Tier
	Period time.Duration
	// Pacing is the fixed delay between items inside one run.
	Pacing time.Duration
	// BroadcastPct is the minimum discount (percent against the baseline,
	// else the previous observation) before a drop is flagged for the
	// public deals channel. Zero disables broadcast flagging.
	BroadcastPct float64
}

// Drop is the structured payload produced for one notifiable drop. The
// runner never renders text; presentation happens behind Alerter.
type Drop struct {
	Item      storage.Item
	Currency  string
	CheckedAt time.Time
	Outcome   track.Outcome
	Stats     track.Stats
	Watchers  []int64

	// Broadcast marks drops deep enough for the public deals channel.
	Broadcast    bool
	BroadcastPct float64
}

// Alerter consumes notifiable drops. A failed alert never rolls back the
// already-committed observation.
type Alerter interface {
	AlertDrop(ctx context.Context, drop Drop) error
}

// Summary reports one completed run.
type Summary struct {
	Tier       storage.Tier
	Population int
	Budget     int
	Visited    int
	Succeeded  int
	Failed     int
	Drops      int
	Cursor     int
	Took       time.Duration
}

var errNoSource = errors.New("no price source available")

// Runner executes full rotation runs for one tier: load population, plan
// the visit window, fetch each item sequentially with pacing, detect drops
// and commit every item as its own transaction.
type Runner struct {
	cfg    Config
	store  storage.Store
	api    amazon.Source // nil when credentials are absent
	scrape amazon.Source
	alerts Alerter
	log    logx.Logger
}

func NewRunner(cfg Config, store storage.Store, api, scrape amazon.Source, alerts Alerter, log logx.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		store:  store,
		api:    api,
		scrape: scrape,
		alerts: alerts,
		log:    log.With(logx.String("tier", string(cfg.Tier))),
	}
}

// Run performs one rotation over the tier population. Item failures are
// counted, logged and skipped; only storage-level failures around the run
// itself surface as an error. A canceled context stops between items, after
// the in-flight item's transaction committed.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	started := time.Now()

	items, err := r.store.TierPopulation(ctx, r.cfg.Tier)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Tier: r.cfg.Tier, Population: len(items)}
	if len(items) == 0 {
		r.log.Debug("rotation skipped, empty population")
		return sum, nil
	}

	cursor, err := r.store.Cursor(ctx, r.cfg.Tier)
	if err != nil {
		return sum, err
	}
	sum.Budget = Budget(len(items), r.cfg.Period, r.cfg.Pacing)
	visits, _ := Plan(cursor, len(items), sum.Budget)

	// The source is picked once per run; a signing rejection mid-run swaps
	// in the scraper for the remainder, never per item.
	src := r.pickSource()
	if src == nil {
		return sum, errNoSource
	}
	r.log.Info("rotation run starting",
		logx.Int("population", len(items)),
		logx.Int("budget", sum.Budget),
		logx.Int("cursor", cursor),
		logx.String("via", src.Name()))

	for i, idx := range visits {
		if i > 0 {
			if err := sleepCtx(ctx, r.cfg.Pacing); err != nil {
				break
			}
		} else if ctx.Err() != nil {
			break
		}

		src = r.processItem(ctx, src, items[idx], &sum)
		sum.Visited++
	}

	// Advance by what was actually visited so an interrupted run resumes
	// where it stopped.
	sum.Cursor = (cursor + sum.Visited) % len(items)
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.SetCursor(commitCtx, r.cfg.Tier, sum.Cursor, time.Now()); err != nil {
		return sum, err
	}

	sum.Took = time.Since(started)
	_ = r.store.AppendAudit(commitCtx, storage.AuditEntry{
		Action: "rotation." + string(r.cfg.Tier),
		OK:     sum.Succeeded,
		Fail:   sum.Failed,
		TookMS: sum.Took.Milliseconds(),
	})
	r.log.Info("rotation run finished",
		logx.Int("visited", sum.Visited),
		logx.Int("succeeded", sum.Succeeded),
		logx.Int("failed", sum.Failed),
		logx.Int("drops", sum.Drops),
		logx.Int("cursor", sum.Cursor),
		logx.Duration("took", sum.Took))
	return sum, nil
}

func (r *Runner) pickSource() amazon.Source {
	if r.api != nil {
		return r.api
	}
	return r.scrape
}

// processItem runs the fetch, detect, commit, alert pipeline for one item.
// It returns the source to use for the rest of the run, which changes only
// when the API variant reports a signing rejection.
func (r *Runner) processItem(ctx context.Context, src amazon.Source, item storage.Item, sum *Summary) amazon.Source {
	asin := amazon.ASIN(item.ASIN)

	snap, err := src.Fetch(ctx, asin)
	if err != nil && amazon.ReasonOf(err) == amazon.ReasonUnsigned && r.scrape != nil && src != r.scrape {
		r.log.Warn("api rejected the signature, scraping for the rest of the run", logx.Err(err))
		src = r.scrape
		snap, err = src.Fetch(ctx, asin)
	}

	// Metadata is worth keeping even from a priceless fetch.
	if snap != nil && (snap.Title != "" || snap.URL != "") {
		metaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if metaErr := r.store.UpdateItemMeta(metaCtx, item.ID, snap.Title, snap.URL); metaErr != nil {
			r.log.Warn("item metadata update failed", logx.String("asin", item.ASIN), logx.Err(metaErr))
		}
		cancel()
	}

	if err != nil {
		sum.Failed++
		reason := amazon.ReasonOf(err)
		if reason == amazon.ReasonBlocked {
			// Distinguishable in logs so ops alerting can fire.
			r.log.Warn("check blocked by anti-bot wall", logx.String("asin", item.ASIN), logx.Err(err))
		} else {
			r.log.Info("check failed", logx.String("asin", item.ASIN), logx.String("reason", string(reason)), logx.Err(err))
		}
		return src
	}

	price := *snap.Price
	prior, hasPrior, err := r.store.LatestObservation(ctx, item.ID)
	if err != nil {
		sum.Failed++
		r.log.Warn("prior observation load failed", logx.String("asin", item.ASIN), logx.Err(err))
		return src
	}

	state := track.State{Baseline: item.InitialPrice, Target: item.TargetPrice}
	if hasPrior {
		state.Last = &prior.Price
	}
	out := track.Evaluate(state, price)

	var stats track.Stats
	if out.Notifiable {
		// History is read before the commit so the stats cover only what
		// preceded this check.
		hist, histErr := r.store.History(ctx, item.ID)
		if histErr != nil {
			r.log.Warn("history load failed", logx.String("asin", item.ASIN), logx.Err(histErr))
		}
		stats = track.Compute(historyPoints(hist), price, snap.CheckedAt)
	}

	// The commit runs even when the surrounding run is being canceled: an
	// in-flight item finishes its transaction before state is observed.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	err = r.store.CommitCheck(commitCtx, item.ID, price, snap.Currency, snap.CheckedAt)
	cancel()
	if err != nil {
		sum.Failed++
		r.log.Error("observation commit failed", logx.String("asin", item.ASIN), logx.Err(err))
		return src
	}
	sum.Succeeded++

	if !out.Notifiable {
		return src
	}
	sum.Drops++

	watchers, err := r.store.Watchers(ctx, item.ID)
	if err != nil {
		r.log.Warn("watcher list load failed", logx.String("asin", item.ASIN), logx.Err(err))
	}

	drop := Drop{
		Item:      item,
		Currency:  snap.Currency,
		CheckedAt: snap.CheckedAt,
		Outcome:   out,
		Stats:     stats,
		Watchers:  watchers,
	}
	if pct, ok := out.BroadcastPercent(); ok && r.cfg.BroadcastPct > 0 && pct >= r.cfg.BroadcastPct {
		drop.Broadcast = true
		drop.BroadcastPct = pct
	}

	r.log.Info("notifiable drop",
		logx.String("asin", item.ASIN),
		logx.Float64("price", price),
		logx.Float64("reference", out.Reference),
		logx.String("trigger", string(out.Trigger)),
		logx.Int("watchers", len(watchers)),
		logx.Bool("broadcast", drop.Broadcast))

	if r.alerts != nil {
		if err := r.alerts.AlertDrop(ctx, drop); err != nil {
			r.log.Warn("drop alert dispatch failed", logx.String("asin", item.ASIN), logx.Err(err))
		}
	}
	return src
}

func historyPoints(obs []storage.Observation) []track.Point {
	if len(obs) == 0 {
		return nil
	}
	points := make([]track.Point, 0, len(obs))
	for _, o := range obs {
		points = append(points, track.Point{Price: o.Price, At: o.CheckedAt})
	}
	return points
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
