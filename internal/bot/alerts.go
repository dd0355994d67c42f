package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"pricebot/internal/amazon"
	"pricebot/internal/config"
	"pricebot/internal/rotation"
	"pricebot/internal/track"
	kit "pricebot/internal/transport"
	logx "pricebot/pkg/logx"
)

// Alerts turns detector output into Telegram notifications: one message per
// watcher plus a deals-channel post for deep drops. It is the alert port the
// tier runners publish into.
type Alerts struct {
	cfgm  *config.ConfigManager
	notif Notifier
	log   logx.Logger
}

func NewAlerts(cfgm *config.ConfigManager, notif Notifier, log logx.Logger) *Alerts {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Alerts{cfgm: cfgm, notif: notif, log: log.With(logx.String("comp", "alerts"))}
}

// AlertDrop fans one drop out to every watcher. Per-watcher failures are
// logged and do not stop the remaining deliveries; the first error comes
// back so the runner counts the alert as degraded.
//
// The dedup key carries item and price only; the notifier scopes keys per
// chat on its own, so one watcher's suppression never eats another's alert.
func (a *Alerts) AlertDrop(ctx context.Context, drop rotation.Drop) error {
	cfg := a.cfgm.Get()
	region := regionOf(cfg)
	tag := associateTag(cfg)

	msg := renderDropAlert(drop, region, tag)
	prio := 5
	if drop.Outcome.Trigger == track.TriggerTarget {
		prio = 6
	}
	key := fmt.Sprintf("drop:%s:%.2f", drop.Item.ASIN, drop.Outcome.Current)

	var firstErr error
	for _, watcher := range drop.Watchers {
		n := kit.Notification{
			Channel:  "telegram",
			Priority: prio,
			Target:   kit.ChatTarget{ChatID: watcher},
			Key:      key,
			Text:     msg.Text,
			Options:  msg.Opt,
		}
		if err := a.notif.Notify(ctx, n); err != nil {
			a.log.Warn("drop alert not delivered",
				logx.Int64("watcher", watcher),
				logx.String("asin", drop.Item.ASIN),
				logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if drop.Broadcast {
		a.postDeal(ctx, drop, region, tag)
	}
	return firstErr
}

// postDeal publishes a broadcast-worthy drop to the public deals channel.
// Channel delivery is strictly best-effort and never fails the alert.
func (a *Alerts) postDeal(ctx context.Context, drop rotation.Drop, region amazon.Region, tag string) {
	cfg := a.cfgm.Get()
	var raw string
	if cfg != nil {
		raw = strings.TrimSpace(cfg.Telegram.DealsChannel)
	}
	if raw == "" {
		a.log.Debug("deal post skipped, no deals channel configured", logx.String("asin", drop.Item.ASIN))
		return
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		a.log.Warn("deals channel id unparsable", logx.String("raw", raw), logx.Err(err))
		return
	}

	msg := renderDealPost(drop, region, tag)
	n := kit.Notification{
		Channel:  "telegram",
		Priority: 6,
		Target:   kit.ChatTarget{ChatID: chatID},
		Key:      fmt.Sprintf("deal:%s:%.2f", drop.Item.ASIN, drop.Outcome.Current),
		Text:     msg.Text,
		Options:  msg.Opt,
	}
	if err := a.notif.Notify(ctx, n); err != nil {
		a.log.Warn("deal post not delivered", logx.String("asin", drop.Item.ASIN), logx.Err(err))
	}
}
