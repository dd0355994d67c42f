package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pricebot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or PA-API keys).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.OpsChat) != strings.TrimSpace(newCfg.Telegram.OpsChat) ||
		strings.TrimSpace(oldCfg.Telegram.DealsChannel) != strings.TrimSpace(newCfg.Telegram.DealsChannel) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.ops_chat_set", strings.TrimSpace(newCfg.Telegram.OpsChat) != ""),
			logx.Bool("telegram.deals_channel_set", strings.TrimSpace(newCfg.Telegram.DealsChannel) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Telegram.Enabled != newCfg.Logging.Telegram.Enabled ||
		oldCfg.Logging.Telegram.ThreadID != newCfg.Logging.Telegram.ThreadID ||
		oldCfg.Logging.Telegram.MinLevel != newCfg.Logging.Telegram.MinLevel ||
		oldCfg.Logging.Telegram.RatePerSec != newCfg.Logging.Telegram.RatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Amazon (never log keys; surface which source is configured)
	oAPISet := strings.TrimSpace(oldCfg.Amazon.API.AccessKey) != "" && strings.TrimSpace(oldCfg.Amazon.API.SecretKey) != ""
	nAPISet := strings.TrimSpace(newCfg.Amazon.API.AccessKey) != "" && strings.TrimSpace(newCfg.Amazon.API.SecretKey) != ""
	if strings.TrimSpace(oldCfg.Amazon.Region) != strings.TrimSpace(newCfg.Amazon.Region) ||
		strings.TrimSpace(oldCfg.Amazon.AssociateTag) != strings.TrimSpace(newCfg.Amazon.AssociateTag) ||
		oAPISet != nAPISet ||
		strings.TrimSpace(oldCfg.Amazon.API.PartnerTag) != strings.TrimSpace(newCfg.Amazon.API.PartnerTag) ||
		strings.TrimSpace(oldCfg.Amazon.API.MinInterval) != strings.TrimSpace(newCfg.Amazon.API.MinInterval) ||
		strings.TrimSpace(oldCfg.Amazon.API.Timeout) != strings.TrimSpace(newCfg.Amazon.API.Timeout) ||
		strings.TrimSpace(oldCfg.Amazon.Scrape.BaseDelay) != strings.TrimSpace(newCfg.Amazon.Scrape.BaseDelay) ||
		strings.TrimSpace(oldCfg.Amazon.Scrape.Timeout) != strings.TrimSpace(newCfg.Amazon.Scrape.Timeout) {
		changed = append(changed, "amazon")
		attrs = append(attrs,
			logx.String("amazon.region", strings.TrimSpace(newCfg.Amazon.Region)),
			logx.Bool("amazon.api_configured", nAPISet),
			logx.Bool("amazon.associate_tag_set", strings.TrimSpace(newCfg.Amazon.AssociateTag) != ""),
			logx.String("amazon.scrape.base_delay", strings.TrimSpace(newCfg.Amazon.Scrape.BaseDelay)),
		)
	}

	// Tracker
	if !reflect.DeepEqual(oldCfg.Tracker, newCfg.Tracker) {
		changed = append(changed, "tracker")
		attrs = append(attrs,
			logx.String("tracker.fast_period", strings.TrimSpace(newCfg.Tracker.FastPeriod)),
			logx.String("tracker.standard_period", strings.TrimSpace(newCfg.Tracker.StandardPeriod)),
			logx.String("tracker.pacing", strings.TrimSpace(newCfg.Tracker.Pacing)),
			logx.Float64("tracker.broadcast_percent", newCfg.Tracker.BroadcastPercent),
			logx.String("tracker.summary_at", strings.TrimSpace(newCfg.Tracker.SummaryAt)),
			logx.String("tracker.history_mode", strings.TrimSpace(newCfg.Tracker.HistoryMode)),
			logx.Int("tracker.watch_limit", newCfg.Tracker.WatchLimit),
			logx.Int("tracker.watch_limit_vip", newCfg.Tracker.WatchLimitVIP),
		)
	}

	// Scheduler (triggers)
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		oldCfg.Scheduler.HistorySize != newCfg.Scheduler.HistorySize {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
		)
	}

	// Notifier and broadcast sections may be omitted; compare against
	// the runtime defaults so adding the section with default values
	// does not read as a change.
	defN := &NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
		PersistDedup:    false,
	}
	oldN := oldCfg.Notifier
	newN := newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Broadcast fan-out
	defB := &BroadcastConfig{Enabled: true, Workers: 4, RatePerSec: 10, RetryMax: 1}
	oldB := oldCfg.Broadcast
	newB := newCfg.Broadcast
	if oldB == nil {
		oldB = defB
	}
	if newB == nil {
		newB = defB
	}
	if !reflect.DeepEqual(*oldB, *newB) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", newB.Enabled),
			logx.Int("broadcast.workers", newB.Workers),
			logx.Int("broadcast.rate_per_sec", newB.RatePerSec),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
