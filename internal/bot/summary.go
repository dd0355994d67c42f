package bot

import (
	"context"
	"fmt"
	"time"

	kit "pricebot/internal/transport"
	logx "pricebot/pkg/logx"
)

// DailySummary sends every subscriber with a non-empty watchlist their
// digest. One subscriber failing never blocks the rest; only a failure to
// list subscribers aborts the run.
//
// The dedup key is the calendar day, so a rerun after a crash cannot
// double-send (the notifier scopes keys per chat).
func (b *Bot) DailySummary(ctx context.Context) error {
	cfg := b.cfgm.Get()
	region := regionOf(cfg)
	tag := associateTag(cfg)

	subs, err := b.store.Subscribers(ctx)
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}

	day := time.Now().Format("2006-01-02")
	sent, skipped := 0, 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wl, err := b.store.Watchlist(ctx, sub.ID)
		if err != nil {
			b.log.Warn("summary watchlist load failed", logx.Int64("subscriber", sub.ID), logx.Err(err))
			continue
		}
		msg, ok := renderSummaryFor(wl, region, tag)
		if !ok {
			skipped++
			continue
		}
		n := kit.Notification{
			Channel:  "telegram",
			Priority: 2,
			Target:   kit.ChatTarget{ChatID: sub.ID},
			Key:      "summary:" + day,
			Text:     msg.Text,
			Options:  msg.Opt,
		}
		if err := b.notif.Notify(ctx, n); err != nil {
			b.log.Warn("summary not delivered", logx.Int64("subscriber", sub.ID), logx.Err(err))
			continue
		}
		sent++
	}
	b.log.Info("daily summary done", logx.Int("sent", sent), logx.Int("skipped", skipped))
	return nil
}
