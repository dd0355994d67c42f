package bot

import (
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"pricebot/internal/amazon"
	"pricebot/internal/config"
	"pricebot/internal/rotation"
	"pricebot/internal/storage"
	"pricebot/internal/track"
	"pricebot/pkg/tgui"
)

// formatPrice renders a price with its marketplace currency symbol.
// Yen has no minor unit, everything else gets two decimals.
func formatPrice(v float64, currency string) string {
	switch strings.ToUpper(currency) {
	case "EUR":
		return fmt.Sprintf("€%.2f", v)
	case "USD":
		return fmt.Sprintf("$%.2f", v)
	case "GBP":
		return fmt.Sprintf("£%.2f", v)
	case "JPY":
		return fmt.Sprintf("¥%.0f", v)
	case "CAD":
		return fmt.Sprintf("CA$%.2f", v)
	case "AUD":
		return fmt.Sprintf("AU$%.2f", v)
	case "":
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%s %.2f", strings.ToUpper(currency), v)
	}
}

func formatPct(p float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", p), ".0") + "%"
}

// humanSince renders a rough age like "12m ago". Ages under a minute read
// "just now".
func humanSince(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// itemLink is the bold, affiliate-tagged title line used all over.
func itemLink(item storage.Item, region amazon.Region, tag string) tgui.H {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = item.ASIN
	}
	title = tgui.TruncRunes(title, 80)
	url := amazon.AffiliateURL(region, amazon.ASIN(item.ASIN), tag)
	return tgui.Raw("<b>" + tgui.Link(title, url).String() + "</b>")
}

// statBadges renders the history highlights of a notifiable drop.
func statBadges(st track.Stats) []string {
	var out []string
	switch {
	case st.IsAllTimeLow:
		out = append(out, "🏆 lowest price ever seen")
	case st.IsWindowLow:
		out = append(out, "📉 lowest in the last 180 days")
	}
	if st.BelowMean {
		out = append(out, "📊 "+formatPct(st.BelowMeanPct)+" below the 180-day average")
	}
	if st.DaysSinceLow > 0 && !st.IsAllTimeLow {
		out = append(out, fmt.Sprintf("🕰 previous low was %d days ago", st.DaysSinceLow))
	}
	return out
}

// renderDropAlert builds the per-watcher drop notification.
func renderDropAlert(drop rotation.Drop, region amazon.Region, tag string) tgui.Message {
	b := tgui.New()
	if drop.Outcome.Trigger == track.TriggerTarget {
		b.Title("🎯", "Target price hit")
	} else {
		b.Title("📉", "Price drop")
	}
	b.RawLine(itemLink(drop.Item, region, tag).String())

	price := formatPrice(drop.Outcome.Current, drop.Currency)
	if prev := drop.Outcome.Previous; prev != nil && *prev > drop.Outcome.Current {
		line := price + " (was " + formatPrice(*prev, drop.Currency)
		if pct := track.PercentBelow(*prev, drop.Outcome.Current); pct > 0 {
			line += ", -" + formatPct(pct)
		}
		line += ")"
		b.Line(line)
	} else {
		b.Line(price)
	}

	if drop.Outcome.Trigger == track.TriggerTarget {
		b.Line("🎯 your target: " + formatPrice(drop.Outcome.Reference, drop.Currency))
	} else if base := drop.Outcome.Baseline; base != nil {
		b.Line("first seen at " + formatPrice(*base, drop.Currency))
	}
	for _, badge := range statBadges(drop.Stats) {
		b.Line(badge)
	}

	kb := tgui.NewInline().Row(
		tgui.URLBtn("🛒 Open on Amazon", amazon.AffiliateURL(region, amazon.ASIN(drop.Item.ASIN), tag)),
	)
	b.Inline(kb)
	return b.Build()
}

// renderDealPost builds the public deals-channel post for deep drops.
func renderDealPost(drop rotation.Drop, region amazon.Region, tag string) tgui.Message {
	b := tgui.New()
	b.RawLine("🔥 <b>-" + tgui.Esc(formatPct(drop.BroadcastPct)).String() + "</b> " + itemLink(drop.Item, region, tag).String())

	line := formatPrice(drop.Outcome.Current, drop.Currency)
	if base := drop.Outcome.Baseline; base != nil && *base > drop.Outcome.Current {
		line += " (was " + formatPrice(*base, drop.Currency) + ")"
	} else if prev := drop.Outcome.Previous; prev != nil && *prev > drop.Outcome.Current {
		line += " (was " + formatPrice(*prev, drop.Currency) + ")"
	}
	b.Line(line)
	for _, badge := range statBadges(drop.Stats) {
		b.Line(badge)
	}
	return b.Build()
}

// renderWelcome builds the /start reply.
func renderWelcome(cfg *config.Config, sub storage.Subscriber, referralApplied bool) tgui.Message {
	limit := watchLimit(cfg, false)
	vipLimit := watchLimit(cfg, true)
	threshold := referralThreshold(cfg)

	b := tgui.New()
	b.Title("🛒", "Amazon Price Tracker")
	b.Line("Send me an Amazon product link and I'll watch its price for you.")
	b.Blank()
	b.Bullets(
		"you get an alert when a price falls under your target or under its first-seen price",
		fmt.Sprintf("you have %d watch slots (%d as VIP)", limit, vipLimit),
	)
	b.Blank()
	b.Section("Commands")
	b.RawLine("• <code>/watchlist</code> — your tracked items")
	b.RawLine("• <code>/target</code> — set a target price")
	b.RawLine("• <code>/stats</code> — price history for an item")
	b.RawLine("• <code>/help</code> — everything else")

	if sub.ReferralCode != "" {
		b.Blank()
		b.RawLine(fmt.Sprintf("🎁 Share <code>/start ref_%s</code> with friends: %d sign-ups make you VIP.",
			tgui.Esc(sub.ReferralCode).String(), threshold))
	}
	if referralApplied {
		b.Blank()
		b.Line("👋 Welcome aboard, your friend gets credit for this sign-up.")
	}
	return b.Build()
}

// renderAdded confirms a new watch. snap may carry no price.
func renderAdded(item storage.Item, snap *amazon.Snapshot, region amazon.Region, tag string, used, limit int) tgui.Message {
	b := tgui.New()
	b.Title("✅", "Now watching")
	b.RawLine(itemLink(item, region, tag).String())
	if snap.HasPrice() {
		b.KV("Price", formatPrice(*snap.Price, snap.Currency))
	} else {
		b.Line("No price listed right now, the first successful check will record one.")
	}
	b.KV("Slots", fmt.Sprintf("%d/%d", used, limit))
	b.RawLine("Tip: <code>/target " + tgui.Esc(item.ASIN).String() + " &lt;price&gt;</code> sets an alert threshold.")
	return b.Build()
}

// renderWatchlist builds the /watchlist reply with per-item remove buttons.
func renderWatchlist(items []storage.WatchedItem, region amazon.Region, tag string, limit int) tgui.Message {
	b := tgui.New()
	b.Title("📋", "Your watchlist")
	if len(items) == 0 {
		b.Line("Nothing here yet. Send an Amazon product link to start tracking.")
		return b.Build()
	}
	b.KV("Slots", fmt.Sprintf("%d/%d", len(items), limit))
	b.Blank()

	buttons := make([]tele.Btn, 0, len(items))
	for _, it := range items {
		row := "• " + itemLink(it.Item, region, tag).String()
		if it.Latest != nil {
			row += " — " + tgui.Esc(formatPrice(it.Latest.Price, it.Latest.Currency)).String()
			if it.InitialPrice != nil && *it.InitialPrice > 0 && it.Latest.Price < *it.InitialPrice {
				row += " " + tgui.Esc("(▼"+formatPct(track.PercentBelow(*it.InitialPrice, it.Latest.Price))+")").String()
			}
		} else {
			row += " — no price yet"
		}
		if it.TargetPrice != nil {
			cur := region.Currency
			if it.Latest != nil {
				cur = it.Latest.Currency
			}
			row += " " + tgui.Esc("🎯 "+formatPrice(*it.TargetPrice, cur)).String()
		}
		b.RawLine(row)

		label := strings.TrimSpace(it.Title)
		if label == "" {
			label = it.ASIN
		}
		buttons = append(buttons, tgui.Btn("🗑 "+tgui.TruncRunes(label, 24), tgui.Data("watch", "rm", it.ASIN)))
	}

	msg := b.Build()
	msg.Opt.ReplyMarkupAdapter = tgui.Grid2(buttons)
	return msg
}

// renderStats builds the /stats reply for one item.
func renderStats(item storage.Item, latest *storage.Observation, st track.Stats, region amazon.Region, tag string, now time.Time) tgui.Message {
	b := tgui.New()
	b.Title("📊", "Price history")
	b.RawLine(itemLink(item, region, tag).String())

	currency := region.Currency
	if latest != nil {
		currency = latest.Currency
		b.KV("Current", formatPrice(latest.Price, latest.Currency)+" ("+humanSince(latest.CheckedAt, now)+")")
	} else {
		b.Line("No successful check yet.")
	}
	if item.InitialPrice != nil {
		b.KV("First seen", formatPrice(*item.InitialPrice, currency))
	}
	if item.TargetPrice != nil {
		b.KV("Target", formatPrice(*item.TargetPrice, currency))
	}
	if st.HasHistory {
		low := formatPrice(st.AllTimeMin, currency)
		if !st.AllTimeMinAt.IsZero() {
			low += " (" + st.AllTimeMinAt.Format("2006-01-02") + ")"
		}
		b.KV("All-time low", low)
		if st.WindowCount > 0 {
			b.KV("Last 180 days", fmt.Sprintf("min %s · avg %s · %d checks",
				formatPrice(st.WindowMin, currency), formatPrice(st.WindowMean, currency), st.WindowCount))
		}
	}
	return b.Build()
}

// renderSummaryFor builds one subscriber's daily digest. The second return
// is false when the watchlist has nothing worth sending.
func renderSummaryFor(items []storage.WatchedItem, region amazon.Region, tag string) (tgui.Message, bool) {
	if len(items) == 0 {
		return tgui.Message{}, false
	}
	b := tgui.New()
	b.Title("☀️", "Your watchlist today")
	for _, it := range items {
		row := "• " + itemLink(it.Item, region, tag).String()
		if it.Latest != nil {
			row += " — " + tgui.Esc(formatPrice(it.Latest.Price, it.Latest.Currency)).String()
			if it.InitialPrice != nil && *it.InitialPrice > 0 {
				switch {
				case it.Latest.Price < *it.InitialPrice:
					row += " " + tgui.Esc("▼"+formatPct(track.PercentBelow(*it.InitialPrice, it.Latest.Price))+" since added").String()
				case it.Latest.Price > *it.InitialPrice:
					up := (it.Latest.Price - *it.InitialPrice) / *it.InitialPrice * 100
					row += " " + tgui.Esc("▲"+formatPct(up)+" since added").String()
				}
			}
		} else {
			row += " — no price yet"
		}
		b.RawLine(row)
	}
	return b.Build(), true
}
