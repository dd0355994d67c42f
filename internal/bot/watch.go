package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricebot/internal/amazon"
	"pricebot/internal/config"
	"pricebot/internal/storage"
	kit "pricebot/internal/transport"
	"pricebot/internal/transport/telegram/router"
	logx "pricebot/pkg/logx"
	"pricebot/pkg/tgui"
)

// handleLink is the plain-text entry point: any message carrying an Amazon
// product URL (or a bare ASIN) becomes a watch.
func (b *Bot) handleLink(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	b.touchSubscriber(ctx, req)

	asin, ok := amazon.ExtractASIN(msg.Text)
	if !ok {
		// Group chatter without a product link is none of our business.
		if msg.IsGroup {
			return nil
		}
		hint := tgui.New().
			Line("That doesn't look like an Amazon product link.").
			RawLine("Paste a <code>/dp/</code> URL or a bare ASIN and I'll start tracking it.").
			Build()
		return reply(ctx, req, hint)
	}
	return b.addWatch(ctx, req, asin)
}

// addWatch runs the full add flow: duplicate and slot checks, add-time fetch,
// item upsert, watch insert, initial price seed.
func (b *Bot) addWatch(ctx context.Context, req *router.Request, asin amazon.ASIN) error {
	cfg := req.Config
	region := regionOf(cfg)
	tag := associateTag(cfg)

	sub, err := b.store.Subscriber(ctx, req.FromID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load subscriber: %w", err)
	}
	wl, err := b.store.Watchlist(ctx, req.FromID)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}
	for _, it := range wl {
		if it.ASIN == asin.String() {
			dup := tgui.New().
				Title("👀", "Already watching").
				RawLine(itemLink(it.Item, region, tag).String()).
				RawLine("Use <code>/stats " + tgui.Esc(it.ASIN).String() + "</code> for its history.").
				Build()
			return reply(ctx, req, dup)
		}
	}
	limit := watchLimit(cfg, sub.VIP)
	if len(wl) >= limit {
		return reply(ctx, req, b.renderLimitReached(cfg, sub.VIP, limit))
	}

	snap, err := b.fetchSnapshot(ctx, asin)
	if err != nil && amazon.ReasonOf(err) != amazon.ReasonNoPrice {
		req.Logger.Warn("add-time fetch failed", logx.String("asin", asin.String()), logx.Err(err))
		return reply(ctx, req, renderFetchError(err))
	}
	// A priceless page still identifies the product; the watch goes in and
	// the first priced rotation check fills the gap.
	if snap == nil {
		snap = &amazon.Snapshot{ASIN: asin, CheckedAt: time.Now()}
	}
	canonical := amazon.StripAffiliateTag(snap.URL)
	if canonical == "" {
		canonical = amazon.ProductURL(region, asin)
	}

	item, err := b.store.EnsureItem(ctx, asin.String(), snap.Title, canonical)
	if err != nil {
		return fmt.Errorf("ensure item: %w", err)
	}
	created, err := b.store.AddWatch(ctx, req.FromID, item.ID)
	if err != nil {
		return fmt.Errorf("add watch: %w", err)
	}
	if snap.HasPrice() {
		if err := b.store.CommitCheck(ctx, item.ID, *snap.Price, snap.Currency, snap.CheckedAt); err != nil {
			req.Logger.Warn("initial price seed failed", logx.String("asin", asin.String()), logx.Err(err))
		} else if fresh, ferr := b.store.ItemByASIN(ctx, asin.String()); ferr == nil {
			item = fresh // pick up the initial price the commit just set
		}
	}

	used := len(wl)
	if created {
		used++
	}
	req.Logger.Info("watch added",
		logx.String("asin", asin.String()),
		logx.Bool("priced", snap.HasPrice()),
		logx.Int("slots_used", used))
	return reply(ctx, req, renderAdded(item, snap, region, tag, used, limit))
}

// renderLimitReached refuses a new watch and points non-VIPs at the
// referral path to a bigger budget.
func (b *Bot) renderLimitReached(cfg *config.Config, vip bool, limit int) tgui.Message {
	out := tgui.New().
		Title("🚫", "Watchlist full").
		Line(fmt.Sprintf("All %d of your slots are in use. Free one up with /watchlist first.", limit))
	if !vip {
		out.Line(fmt.Sprintf("VIP raises the limit to %d: invite %d friends with the referral link from /start.",
			watchLimit(cfg, true), referralThreshold(cfg)))
	}
	return out.Build()
}

// renderFetchError maps a fetch failure to a human reply.
func renderFetchError(err error) tgui.Message {
	b := tgui.New().Title("⚠️", "Couldn't check that item")
	switch amazon.ReasonOf(err) {
	case amazon.ReasonNotFound:
		b.Line("Amazon doesn't list this product. A different marketplace region may carry it.")
	case amazon.ReasonRateLimited:
		b.Line("Amazon is telling us to slow down. Try again in a minute.")
	case amazon.ReasonBlocked:
		b.Line("Amazon is blocking automated checks right now. Try again later.")
	case amazon.ReasonNetwork:
		b.Line("Couldn't reach Amazon. Try again shortly.")
	default:
		b.Line("Something went wrong reading the product page. Try again later.")
	}
	return b.Build()
}

// handleWatchlist lists the sender's tracked items with remove buttons.
func (b *Bot) handleWatchlist(ctx context.Context, req *router.Request) error {
	b.touchSubscriber(ctx, req)

	sub, err := b.store.Subscriber(ctx, req.FromID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load subscriber: %w", err)
	}
	wl, err := b.store.Watchlist(ctx, req.FromID)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}
	cfg := req.Config
	return reply(ctx, req, renderWatchlist(wl, regionOf(cfg), associateTag(cfg), watchLimit(cfg, sub.VIP)))
}

// handleRemove starts the confirm flow for /remove <asin>.
func (b *Bot) handleRemove(ctx context.Context, req *router.Request) error {
	b.touchSubscriber(ctx, req)
	if len(req.Args) < 1 {
		return reply(ctx, req, usageMessage("/remove <asin>", "The ASIN shows up in /watchlist."))
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
	return reply(ctx, req, renderRemoveConfirm(it.Item, regionOf(req.Config), associateTag(req.Config)))
}

// watchedItem finds asin inside the sender's watchlist.
func (b *Bot) watchedItem(ctx context.Context, subscriberID int64, asin amazon.ASIN) (storage.WatchedItem, bool, error) {
	wl, err := b.store.Watchlist(ctx, subscriberID)
	if err != nil {
		return storage.WatchedItem{}, false, fmt.Errorf("load watchlist: %w", err)
	}
	for _, it := range wl {
		if it.ASIN == asin.String() {
			return it, true, nil
		}
	}
	return storage.WatchedItem{}, false, nil
}

// renderRemoveConfirm builds the are-you-sure prompt.
func renderRemoveConfirm(item storage.Item, region amazon.Region, tag string) tgui.Message {
	yes := tgui.Btn("🗑 Yes, remove", tgui.Data("watch", "rmok", item.ASIN))
	no := tgui.Btn("Keep watching", tgui.Data("watch", "rmno", ""))
	return tgui.New().
		Title("❓", "Stop watching this item?").
		RawLine(itemLink(item, region, tag).String()).
		Line("Its price history stays around in case you re-add it.").
		Inline(tgui.ConfirmInline(yes, no)).
		Build()
}

// cbRemoveAsk turns a watchlist remove button into the confirm prompt,
// editing the message the button lives on.
func (b *Bot) cbRemoveAsk(ctx context.Context, req *router.Request) error {
	asin, err := amazon.ParseASIN(req.Payload)
	if err != nil {
		return b.answer(ctx, req, "that item is gone")
	}
	it, ok, err := b.watchedItem(ctx, req.FromID, asin)
	if err != nil {
		return err
	}
	if !ok {
		return b.answer(ctx, req, "you are not watching this item")
	}
	msg := renderRemoveConfirm(it.Item, regionOf(req.Config), associateTag(req.Config))
	return b.editCallbackMessage(ctx, req, msg)
}

// cbRemoveConfirm removes the watch and shows the updated list in place.
func (b *Bot) cbRemoveConfirm(ctx context.Context, req *router.Request) error {
	asin, err := amazon.ParseASIN(req.Payload)
	if err != nil {
		return b.answer(ctx, req, "that item is gone")
	}
	item, err := b.store.ItemByASIN(ctx, asin.String())
	if errors.Is(err, storage.ErrNotFound) {
		return b.answer(ctx, req, "that item is gone")
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	removed, err := b.store.RemoveWatch(ctx, req.FromID, item.ID)
	if err != nil {
		return fmt.Errorf("remove watch: %w", err)
	}
	if !removed {
		return b.answer(ctx, req, "you are not watching this item")
	}
	req.Logger.Info("watch removed", logx.String("asin", asin.String()))

	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = item.ASIN
	}
	msg := tgui.New().
		Title("🗑", "Stopped watching").
		RawLine(tgui.B(tgui.TruncRunes(title, 80)).String()).
		Line("Send another Amazon link any time.").
		Build()
	return b.editCallbackMessage(ctx, req, msg)
}

// cbRemoveCancel restores the watchlist view over the confirm prompt.
func (b *Bot) cbRemoveCancel(ctx context.Context, req *router.Request) error {
	sub, err := b.store.Subscriber(ctx, req.FromID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load subscriber: %w", err)
	}
	wl, err := b.store.Watchlist(ctx, req.FromID)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}
	cfg := req.Config
	msg := renderWatchlist(wl, regionOf(cfg), associateTag(cfg), watchLimit(cfg, sub.VIP))
	return b.editCallbackMessage(ctx, req, msg)
}

// editCallbackMessage rewrites the message whose inline button fired.
func (b *Bot) editCallbackMessage(ctx context.Context, req *router.Request, msg tgui.Message) error {
	cb := req.Update.Callback
	if cb == nil {
		return reply(ctx, req, msg)
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	return msg.Edit(ctx, req.Adapter, ref, req.Chat)
}

// answer surfaces a short toast on the tapping user's screen.
func (b *Bot) answer(ctx context.Context, req *router.Request, text string) error {
	cb := req.Update.Callback
	if cb == nil {
		return nil
	}
	return req.Adapter.AnswerCallback(ctx, cb.ID, text)
}

// handleTarget sets or clears the alert threshold for a watched item.
func (b *Bot) handleTarget(ctx context.Context, req *router.Request) error {
	b.touchSubscriber(ctx, req)
	if len(req.Args) < 2 {
		return reply(ctx, req, usageMessage("/target <asin> <price|off>",
			"Examples: /target B08N5WRWNW 129.99 or /target B08N5WRWNW off"))
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

	region := regionOf(req.Config)
	tag := associateTag(req.Config)
	arg := strings.ToLower(strings.TrimSpace(req.Args[1]))
	if arg == "off" || arg == "clear" || arg == "none" {
		if err := b.store.SetTarget(ctx, it.ID, nil); err != nil {
			return fmt.Errorf("clear target: %w", err)
		}
		msg := tgui.New().
			Title("🎯", "Target cleared").
			RawLine(itemLink(it.Item, region, tag).String()).
			Line("You'll still hear about drops below the first-seen price.").
			Build()
		return reply(ctx, req, msg)
	}

	price, ok := amazon.ParsePrice(req.Args[1])
	if !ok {
		bad := tgui.New().
			Title("⚠️", "Couldn't read that price").
			RawLine("Try something like <code>129.99</code> or <code>129,99</code>, or <code>off</code> to clear.").
			Build()
		return reply(ctx, req, bad)
	}
	if err := b.store.SetTarget(ctx, it.ID, &price); err != nil {
		return fmt.Errorf("set target: %w", err)
	}
	req.Logger.Info("target set", logx.String("asin", asin.String()), logx.Float64("target", price))

	currency := region.Currency
	if it.Latest != nil {
		currency = it.Latest.Currency
	}
	out := tgui.New().
		Title("🎯", "Target set").
		RawLine(itemLink(it.Item, region, tag).String()).
		KV("Alert under", formatPrice(price, currency))
	if it.Latest != nil && it.Latest.Price <= price {
		out.Line("The current price is already at or under your target, expect an alert on the next check.")
	}
	return reply(ctx, req, out.Build())
}

func usageMessage(usage, hint string) tgui.Message {
	b := tgui.New().RawLine("Usage: " + tgui.Code(usage).String())
	if hint != "" {
		b.Line(hint)
	}
	return b.Build()
}

func badASINMessage(raw string) tgui.Message {
	return tgui.New().
		RawLine(tgui.Esc(raw).String() + " doesn't look like an ASIN (10 characters, A-Z and 0-9).").
		Line("The ASIN shows up in /watchlist and in the product URL after /dp/.").
		Build()
}

func notWatchingMessage(asin amazon.ASIN) tgui.Message {
	return tgui.New().
		RawLine("You're not watching <code>" + tgui.Esc(asin.String()).String() + "</code>.").
		Line("Send the product link to start tracking it.").
		Build()
}
