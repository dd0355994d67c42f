// Package bot holds the Telegram-facing feature set: the command handlers,
// the watch-by-link flow, alert and summary rendering. Everything here talks
// to the rest of the system through narrow ports so handlers stay testable
// with fakes.
package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"pricebot/internal/amazon"
	"pricebot/internal/config"
	"pricebot/internal/storage"
	"pricebot/internal/transport/telegram/router"
	logx "pricebot/pkg/logx"
	"pricebot/pkg/tgui"

	kit "pricebot/internal/transport"
)

var errNoSource = errors.New("no price source available")

// Notifier delivers rendered notifications with retry and dedup.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Broadcaster fans one message out to many chats (/announce).
type Broadcaster interface {
	Enabled() bool
	NewJob(name string, targets []kit.ChatTarget, text string, opt *kit.SendOptions) string
}

type Deps struct {
	Store storage.Store
	// API is nil when PA-API credentials are not configured; Scrape is
	// always present.
	API    amazon.Source
	Scrape amazon.Source

	Notifier  Notifier
	Broadcast Broadcaster
	Cfgm      *config.ConfigManager
	Log       logx.Logger
}

type Bot struct {
	store   storage.Store
	api     amazon.Source
	scrape  amazon.Source
	notif   Notifier
	bcast   Broadcaster
	cfgm    *config.ConfigManager
	log     logx.Logger
	started time.Time
}

func New(d Deps) *Bot {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{
		store:   d.Store,
		api:     d.API,
		scrape:  d.Scrape,
		notif:   d.Notifier,
		bcast:   d.Broadcast,
		cfgm:    d.Cfgm,
		log:     log.With(logx.String("comp", "bot")),
		started: time.Now(),
	}
}

// Register installs the command registry and the plain-text link flow.
func (b *Bot) Register(cm *router.CommandManager) {
	cm.SetRegistry(b.commands(), b.callbacks())
	// The link flow fetches the product page on add, so it gets the same
	// generous timeout as a slow scrape.
	cm.SetTextHandler(30*time.Second, b.handleLink)
}

func (b *Bot) commands() []router.Command {
	return []router.Command{
		{
			Route:       "start",
			Description: "subscribe and show the intro",
			Usage:       "/start [ref_<code>]",
			Access:      router.AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      b.handleStart,
		},
		{
			Route:       "watchlist",
			Aliases:     []string{"wl", "list"},
			Description: "your tracked items",
			Usage:       "/watchlist",
			Access:      router.AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      b.handleWatchlist,
		},
		{
			Route:       "remove",
			Aliases:     []string{"rm"},
			Description: "stop tracking an item",
			Usage:       "/remove <asin>",
			Access:      router.AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      b.handleRemove,
		},
		{
			Route:       "target",
			Description: "set or clear a target price",
			Usage:       "/target <asin> <price|off>",
			Access:      router.AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      b.handleTarget,
		},
		{
			Route:       "stats",
			Description: "price history for an item",
			Usage:       "/stats <asin>",
			Access:      router.AccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      b.handleStats,
		},
		{
			Route:       "status",
			Description: "runtime snapshot",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Timeout:     15 * time.Second,
			Handle:      b.handleStatus,
		},
		{
			Route:       "announce",
			Description: "broadcast a message to all subscribers",
			Usage:       "/announce <text>",
			Access:      router.AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      b.handleAnnounce,
		},
	}
}

func (b *Bot) callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{
			Scope:       "watch",
			Action:      "rm",
			Description: "ask to confirm removing a watch",
			Access:      router.CallbackAccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      b.cbRemoveAsk,
		},
		{
			Scope:       "watch",
			Action:      "rmok",
			Description: "confirm removing a watch",
			Access:      router.CallbackAccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      b.cbRemoveConfirm,
		},
		{
			Scope:       "watch",
			Action:      "rmno",
			Description: "cancel removing a watch",
			Access:      router.CallbackAccessEveryone,
			Timeout:     10 * time.Second,
			Handle:      b.cbRemoveCancel,
		},
	}
}

// touchSubscriber upserts the sender's profile. Every message-driven handler
// calls it first; VIP and referral state live in separate columns and are
// not touched by the upsert.
func (b *Bot) touchSubscriber(ctx context.Context, req *router.Request) {
	msg := req.Update.Message
	if msg == nil || msg.FromID == 0 {
		return
	}
	sub := storage.Subscriber{
		ID:        msg.FromID,
		Username:  msg.FromUsername,
		FirstName: msg.FromName,
		Lang:      msg.FromLang,
	}
	if err := b.store.UpsertSubscriber(ctx, sub); err != nil {
		req.Logger.Warn("subscriber upsert failed", logx.Err(err))
	}
}

// fetchSnapshot runs one add-time fetch: the API when configured, with the
// same fall-back-to-scraper-on-rejection behavior the tier runners use.
func (b *Bot) fetchSnapshot(ctx context.Context, asin amazon.ASIN) (*amazon.Snapshot, error) {
	src := b.pickSource()
	if src == nil {
		return nil, errNoSource
	}
	snap, err := src.Fetch(ctx, asin)
	if err != nil && amazon.ReasonOf(err) == amazon.ReasonUnsigned && b.scrape != nil && src != b.scrape {
		b.log.Warn("api rejected the signature, falling back to scrape", logx.Err(err))
		snap, err = b.scrape.Fetch(ctx, asin)
	}
	return snap, err
}

func (b *Bot) pickSource() amazon.Source {
	if b.api != nil {
		return b.api
	}
	return b.scrape
}

// watchLimit resolves the sender's slot budget from live config.
func watchLimit(cfg *config.Config, vip bool) int {
	limit, vipLimit := 3, 10
	if cfg != nil {
		if cfg.Tracker.WatchLimit > 0 {
			limit = cfg.Tracker.WatchLimit
		}
		if cfg.Tracker.WatchLimitVIP > 0 {
			vipLimit = cfg.Tracker.WatchLimitVIP
		}
	}
	if vip {
		return vipLimit
	}
	return limit
}

func referralThreshold(cfg *config.Config) int {
	if cfg != nil && cfg.Tracker.ReferralVIPThreshold > 0 {
		return cfg.Tracker.ReferralVIPThreshold
	}
	return 5
}

func regionOf(cfg *config.Config) amazon.Region {
	code := ""
	if cfg != nil {
		code = cfg.Amazon.Region
	}
	return amazon.RegionByCode(code)
}

func associateTag(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Amazon.AssociateTag)
}

// reply sends a built message back to the requesting chat.
func reply(ctx context.Context, req *router.Request, msg tgui.Message) error {
	_, err := msg.Send(ctx, req.Adapter, req.Chat)
	return err
}
