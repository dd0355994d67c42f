package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Validate checks structural validity: durations parse, enum fields hold
// known values, chat ids are numeric. It does not reach into other packages
// (marketplace codes are checked at bootstrap where the region table lives).
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is empty (set it in the file or via %s)", EnvTelegramToken)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if err := validateChatID("telegram.ops_chat", cfg.Telegram.OpsChat); err != nil {
		return err
	}
	if err := validateChatID("telegram.deals_channel", cfg.Telegram.DealsChannel); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"amazon.api.min_interval", cfg.Amazon.API.MinInterval},
		{"amazon.api.timeout", cfg.Amazon.API.Timeout},
		{"amazon.scrape.base_delay", cfg.Amazon.Scrape.BaseDelay},
		{"amazon.scrape.timeout", cfg.Amazon.Scrape.Timeout},
		{"tracker.fast_period", cfg.Tracker.FastPeriod},
		{"tracker.standard_period", cfg.Tracker.StandardPeriod},
		{"tracker.pacing", cfg.Tracker.Pacing},
		{"tracker.snapshot_every", cfg.Tracker.SnapshotEvery},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"pprof.read_timeout", cfg.Pprof.ReadTimeout},
		{"pprof.write_timeout", cfg.Pprof.WriteTimeout},
		{"pprof.idle_timeout", cfg.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	switch strings.TrimSpace(cfg.Tracker.HistoryMode) {
	case "", "update", "append":
	default:
		return fmt.Errorf("tracker.history_mode: %q (use \"update\" or \"append\")", cfg.Tracker.HistoryMode)
	}
	if err := validateHHMM("tracker.summary_at", cfg.Tracker.SummaryAt); err != nil {
		return err
	}
	if cfg.Tracker.WatchLimit < 0 || cfg.Tracker.WatchLimitVIP < 0 || cfg.Tracker.ReferralVIPThreshold < 0 {
		return fmt.Errorf("tracker watch limits and referral threshold must be >= 0")
	}

	if n := cfg.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			return fmt.Errorf("notifier counts must be >= 0")
		}
	}
	if b := cfg.Broadcast; b != nil {
		if b.Workers < 0 || b.RatePerSec < 0 || b.RetryMax < 0 {
			return fmt.Errorf("broadcast counts must be >= 0")
		}
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is empty")
	}

	return nil
}

func validateChatID(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("%s: not a chat id: %q", path, raw)
	}
	return nil
}

func validateHHMM(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return fmt.Errorf("%s: want \"HH:MM\", got %q", path, raw)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 || len(mm) != 2 {
		return fmt.Errorf("%s: want \"HH:MM\", got %q", path, raw)
	}
	return nil
}
