package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pricebot/internal/storage"
	kit "pricebot/internal/transport"
	"pricebot/internal/transport/telegram/router"
	logx "pricebot/pkg/logx"
	"pricebot/pkg/tgui"
)

// handleAnnounce queues a broadcast of the message tail to every subscriber.
// The text goes out verbatim and unparsed so owner-typed angle brackets or
// underscores cannot break rendering.
func (b *Bot) handleAnnounce(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	text := announceText(msg.Text)
	if text == "" {
		return reply(ctx, req, usageMessage("/announce <text>", "The text goes to every subscriber, keep it short."))
	}
	if b.bcast == nil || !b.bcast.Enabled() {
		return reply(ctx, req, tgui.New().
			Title("📣", "Broadcast disabled").
			Line("Enable the broadcast section in the config first.").
			Build())
	}

	subs, err := b.store.Subscribers(ctx)
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}
	targets := make([]kit.ChatTarget, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, kit.ChatTarget{ChatID: s.ID})
	}
	if len(targets) == 0 {
		return reply(ctx, req, tgui.New().Line("No subscribers yet, nothing to send.").Build())
	}

	jobID := b.bcast.NewJob("announce", targets, text, nil)
	req.Logger.Info("announce queued",
		logx.String("job", jobID),
		logx.Int("recipients", len(targets)))

	if err := b.store.AppendAudit(ctx, storage.AuditEntry{
		At:      time.Now(),
		ActorID: req.FromID,
		Action:  "announce",
		Target:  jobID,
		OK:      len(targets),
	}); err != nil {
		req.Logger.Warn("audit append failed", logx.Err(err))
	}

	return reply(ctx, req, tgui.New().
		Title("📣", "Broadcast queued").
		KV("Job", jobID).
		KV("Recipients", strconv.Itoa(len(targets))).
		Line("Delivery is paced in the background, see the logs for progress.").
		Build())
}

// announceText strips the leading command token so multi-line announcements
// survive unmangled.
func announceText(raw string) string {
	raw = strings.TrimSpace(raw)
	idx := strings.IndexAny(raw, " \t\n")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(raw[idx:])
}
