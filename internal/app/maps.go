package app

import (
	"fmt"
	"strings"
	"time"

	"pricebot/internal/amazon"
	"pricebot/internal/notifier"
	"pricebot/internal/notifier/broadcast"
	"pricebot/internal/rotation"
	"pricebot/internal/storage"
)

// Tracker defaults, applied when the config omits a field.
const (
	defaultFastPeriod     = 10 * time.Minute
	defaultStandardPeriod = 2*time.Hour + 30*time.Minute
	defaultPacing         = 5 * time.Second
	defaultBroadcastPct   = 15.0
	defaultSummaryAt      = "09:00"
)

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("config is nil")
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	snapEvery, err := parseDurationField("tracker.snapshot_every", cfg.Tracker.SnapshotEvery)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Path:        path,
		BusyTimeout: busy,
		History: storage.HistoryConfig{
			Mode:          storage.HistoryMode(strings.TrimSpace(cfg.Tracker.HistoryMode)),
			SnapshotEvery: snapEvery,
		},
	}, nil
}

func mapAPIConfig(cfg *Config) (amazon.APIConfig, error) {
	minInterval, err := parseDurationField("amazon.api.min_interval", cfg.Amazon.API.MinInterval)
	if err != nil {
		return amazon.APIConfig{}, err
	}
	timeout, err := parseDurationField("amazon.api.timeout", cfg.Amazon.API.Timeout)
	if err != nil {
		return amazon.APIConfig{}, err
	}
	return amazon.APIConfig{
		AccessKey:   cfg.Amazon.API.AccessKey,
		SecretKey:   cfg.Amazon.API.SecretKey,
		PartnerTag:  cfg.Amazon.API.PartnerTag,
		Region:      cfg.Amazon.Region,
		MinInterval: minInterval,
		Timeout:     timeout,
	}, nil
}

func mapScrapeConfig(cfg *Config) (amazon.ScrapeConfig, error) {
	baseDelay, err := parseDurationField("amazon.scrape.base_delay", cfg.Amazon.Scrape.BaseDelay)
	if err != nil {
		return amazon.ScrapeConfig{}, err
	}
	timeout, err := parseDurationField("amazon.scrape.timeout", cfg.Amazon.Scrape.Timeout)
	if err != nil {
		return amazon.ScrapeConfig{}, err
	}
	return amazon.ScrapeConfig{
		Region:    cfg.Amazon.Region,
		BaseDelay: baseDelay,
		Timeout:   timeout,
	}, nil
}

// trackerRuntime is the parsed tracker section: one rotation config per
// tier plus the daily summary clock.
type trackerRuntime struct {
	fast      rotation.Config
	standard  rotation.Config
	summaryAt string
}

func mapTrackerConfig(cfg *Config) (trackerRuntime, error) {
	fastPeriod, err := parseDurationOrDefault("tracker.fast_period", cfg.Tracker.FastPeriod, defaultFastPeriod)
	if err != nil {
		return trackerRuntime{}, err
	}
	standardPeriod, err := parseDurationOrDefault("tracker.standard_period", cfg.Tracker.StandardPeriod, defaultStandardPeriod)
	if err != nil {
		return trackerRuntime{}, err
	}
	pacing, err := parseDurationOrDefault("tracker.pacing", cfg.Tracker.Pacing, defaultPacing)
	if err != nil {
		return trackerRuntime{}, err
	}

	// Zero keeps the default threshold; negative turns channel posts off.
	pct := cfg.Tracker.BroadcastPercent
	switch {
	case pct == 0:
		pct = defaultBroadcastPct
	case pct < 0:
		pct = 0
	}

	at := strings.TrimSpace(cfg.Tracker.SummaryAt)
	if at == "" {
		at = defaultSummaryAt
	}

	return trackerRuntime{
		fast:      rotation.Config{Tier: storage.TierFast, Period: fastPeriod, Pacing: pacing, BroadcastPct: pct},
		standard:  rotation.Config{Tier: storage.TierStandard, Period: standardPeriod, Pacing: pacing, BroadcastPct: pct},
		summaryAt: at,
	}, nil
}

// mapNotifierConfig parses the section; zero counts stay zero and the
// service substitutes its own defaults on Apply.
func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	retryBase, err := parseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := parseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := parseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapBroadcastConfig(cfg *Config) broadcast.Config {
	b := cfg.Broadcast
	if b == nil {
		return broadcast.Config{Enabled: true}
	}
	return broadcast.Config{
		Enabled:    b.Enabled,
		Workers:    b.Workers,
		RatePerSec: b.RatePerSec,
		RetryMax:   b.RetryMax,
	}
}
