package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	// Amazon selects the marketplace and configures both price sources.
	Amazon AmazonConfig `json:"amazon"`

	// Tracker shapes the rotation tiers, drop thresholds and watch limits.
	Tracker TrackerConfig `json:"tracker"`

	// Scheduler controls the cron trigger service (timezone, history).
	Scheduler SchedulerConfig `json:"scheduler"`

	Notifier  *NotifierConfig  `json:"notifier,omitempty"`
	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`

	Storage StorageConfig `json:"storage"`
}

type TelegramConfig struct {
	// Token is usually left empty in the file and supplied via the
	// PRICEBOT_TELEGRAM_TOKEN environment variable.
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// OpsChat receives WARN+ log lines and operational alerts (chat id as a
	// string so negative supergroup ids survive YAML round-trips).
	OpsChat string `json:"ops_chat,omitempty"`

	// DealsChannel receives broadcast-worthy drops (chat id string).
	DealsChannel string `json:"deals_channel,omitempty"`

	// PollTimeout caps one getUpdates long poll ("10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AmazonConfig configures the marketplace and the two price sources.
//
// PA-API credentials are usually supplied via environment variables
// (PRICEBOT_PAAPI_ACCESS_KEY / PRICEBOT_PAAPI_SECRET_KEY /
// PRICEBOT_PAAPI_PARTNER_TAG); non-empty env values override the file.
// When no credentials are present the tracker runs on the scraper alone.
type AmazonConfig struct {
	// Region is the marketplace code: IT, US, UK, DE, FR, ES, CA, JP, AU.
	Region string `json:"region"`

	// AssociateTag is appended to rendered product links (?tag=...).
	AssociateTag string `json:"associate_tag,omitempty"`

	API    AmazonAPIConfig    `json:"api"`
	Scrape AmazonScrapeConfig `json:"scrape"`
}

type AmazonAPIConfig struct {
	AccessKey  string `json:"access_key,omitempty"`
	SecretKey  string `json:"secret_key,omitempty"`
	PartnerTag string `json:"partner_tag,omitempty"`

	// MinInterval is the fixed gap between PA-API calls. Default "1s".
	MinInterval string `json:"min_interval,omitempty"`
	// Timeout bounds one HTTP round trip. Default "10s".
	Timeout string `json:"timeout,omitempty"`
}

type AmazonScrapeConfig struct {
	// BaseDelay is the courtesy gap between page fetches; the actual wait
	// is BaseDelay times a random multiplier in [1.0, 1.5). Default "3s".
	BaseDelay string `json:"base_delay,omitempty"`
	// Timeout bounds one HTTP round trip. Default "15s".
	Timeout string `json:"timeout,omitempty"`
}

// TrackerConfig shapes the two rotation tiers and the alerting rules.
//
// All durations are Go duration strings. Defaults (when omitted/zero):
//   - fast_period: "10m", standard_period: "2h30m"
//   - pacing: "5s"
//   - broadcast_percent: 15
//   - summary_at: "09:00"
//   - history_mode: "update", snapshot_every: "24h"
//   - watch_limit: 3, watch_limit_vip: 10, referral_vip_threshold: 5
type TrackerConfig struct {
	FastPeriod     string `json:"fast_period,omitempty"`
	StandardPeriod string `json:"standard_period,omitempty"`

	// Pacing is the fixed delay between items inside one rotation run.
	Pacing string `json:"pacing,omitempty"`

	// BroadcastPercent is the minimum discount (percent against the
	// baseline) before a drop also goes to the deals channel. 0 keeps the
	// default; a negative value disables channel posts.
	BroadcastPercent float64 `json:"broadcast_percent,omitempty"`

	// SummaryAt is the daily summary wall-clock time as "HH:MM" in the
	// scheduler timezone.
	SummaryAt string `json:"summary_at,omitempty"`

	// HistoryMode is "update" (mutate latest row, periodic snapshot) or
	// "append" (insert every check).
	HistoryMode   string `json:"history_mode,omitempty"`
	SnapshotEvery string `json:"snapshot_every,omitempty"`

	WatchLimit           int `json:"watch_limit,omitempty"`
	WatchLimitVIP        int `json:"watch_limit_vip,omitempty"`
	ReferralVIPThreshold int `json:"referral_vip_threshold,omitempty"`
}

// SchedulerConfig controls the cron trigger service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone for cron expressions and the daily summary ("Europe/Rome").
	// Empty means the host's local timezone.
	Timezone string `json:"timezone,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// NotifierConfig sizes the alert delivery pipeline. Durations are Go
// duration strings ("500ms", "10s"). Omitting the whole section means
// enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// BroadcastConfig controls the fan-out service behind /announce and
// deals-channel posts. Omitted means enabled with defaults.
type BroadcastConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
	RetryMax   int  `json:"retry_max,omitempty"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// PprofConfig exposes net/http/pprof on a private listener. Keep the
// bind loopback ("127.0.0.1:6060", the default); anything wider needs
// a token or an explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"` // route prefix, "/debug/pprof/" when empty
	Token         string `json:"token,omitempty"`  // bearer token; never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// HTTP server timeouts as Go duration strings. WriteTimeout stays
	// 0 unless set, since a CPU profile holds the response open for
	// its whole sampling window.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Profiling rates handed to the runtime; 0 keeps Go's defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
