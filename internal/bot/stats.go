package bot

import (
	"context"
	"fmt"
	"time"

	"pricebot/internal/amazon"
	"pricebot/internal/track"
	"pricebot/internal/transport/telegram/router"
)

// handleStats shows the history aggregates for one watched item.
func (b *Bot) handleStats(ctx context.Context, req *router.Request) error {
	b.touchSubscriber(ctx, req)
	if len(req.Args) < 1 {
		return reply(ctx, req, usageMessage("/stats <asin>", "The ASIN shows up in /watchlist."))
	}
	asin, err := amazon.ParseASIN(req.Args[0])
	if err != nil {
		return reply(ctx, req, badASINMessage(req.Args[0]))
	}
	it, ok, err := b.watchedItem(ctx, req.FromID, asin)
	if err != nil {
		return err
	}
	if !ok {
		return reply(ctx, req, notWatchingMessage(asin))
	}

	hist, err := b.store.History(ctx, it.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	points := make([]track.Point, 0, len(hist))
	for _, o := range hist {
		points = append(points, track.Point{Price: o.Price, At: o.CheckedAt})
	}
	current := 0.0
	if it.Latest != nil {
		current = it.Latest.Price
	}
	now := time.Now()
	st := track.Compute(points, current, now)
	return reply(ctx, req, renderStats(it.Item, it.Latest, st, regionOf(req.Config), associateTag(req.Config), now))
}
