package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

const minimalJSON = `{
  "telegram": {"token": "123:abc", "owner_user_ids": [42]},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "thread_id": 0, "min_level": "", "rate_per_sec": 0}},
  "amazon": {"region": "IT", "api": {}, "scrape": {}},
  "tracker": {"fast_period": "10m", "standard_period": "2h30m"},
  "scheduler": {"enabled": true, "timezone": "Europe/Rome"},
  "storage": {"path": "./pricebot.db"}
}`

func TestParseJSON(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.json", minimalJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Tracker.FastPeriod != "10m" || cfg.Scheduler.Timezone != "Europe/Rome" {
		t.Fatalf("sections: %+v %+v", cfg.Tracker, cfg.Scheduler)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get() returned a different pointer")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	yml := `
telegram:
  token: "123:abc"
  owner_user_ids: [42, 7]
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, thread_id: 0, min_level: "", rate_per_sec: 0}
amazon:
  region: US
  associate_tag: mytag-21
  api: {min_interval: "1s"}
  scrape: {base_delay: "3s"}
tracker:
  fast_period: 10m
  watch_limit_vip: 10
scheduler:
  enabled: true
storage:
  path: ./db.sqlite
`
	m := NewConfigManager(writeFile(t, "config.yaml", yml))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Amazon.Region != "US" || cfg.Amazon.AssociateTag != "mytag-21" {
		t.Fatalf("amazon: %+v", cfg.Amazon)
	}
	if cfg.Tracker.WatchLimitVIP != 10 {
		t.Fatalf("watch_limit_vip = %d", cfg.Tracker.WatchLimitVIP)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	bad := `{"telegram": {"token": "x", "owner_user_ids": []}, "logging": {"level":"info","console":true,"file":{"enabled":false,"path":""},"telegram":{"enabled":false,"thread_id":0,"min_level":"","rate_per_sec":0}}, "amazon":{"region":"IT","api":{},"scrape":{}}, "tracker": {}, "scheduler": {"enabled": true}, "storage": {"path": "x"}, "watchdog": {"interval": "5s"}}`
	m := NewConfigManager(writeFile(t, "config.json", bad))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.json", minimalJSON+`{"extra": true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected trailing-data error")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv(EnvTelegramToken, "env:token")
	t.Setenv(EnvPAAPIAccessKey, "AKENV")

	m := NewConfigManager(writeFile(t, "config.json", minimalJSON))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "env:token" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
	if cfg.Amazon.API.AccessKey != "AKENV" {
		t.Fatalf("access key = %q", cfg.Amazon.API.AccessKey)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "123:abc"},
			Storage:  StorageConfig{Path: "./db"},
		}
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = " " }},
		{"bad poll timeout", func(c *Config) { c.Telegram.PollTimeout = "soon" }},
		{"bad ops chat", func(c *Config) { c.Telegram.OpsChat = "not-a-chat" }},
		{"negative duration", func(c *Config) { c.Tracker.FastPeriod = "-10m" }},
		{"bad history mode", func(c *Config) { c.Tracker.HistoryMode = "ring" }},
		{"bad summary time", func(c *Config) { c.Tracker.SummaryAt = "25:00" }},
		{"bad summary shape", func(c *Config) { c.Tracker.SummaryAt = "0900" }},
		{"negative watch limit", func(c *Config) { c.Tracker.WatchLimit = -1 }},
		{"bad notifier duration", func(c *Config) {
			c.Notifier = &NotifierConfig{RetryBase: "nope"}
		}},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateAcceptsSummaryTimes(t *testing.T) {
	t.Parallel()

	for _, at := range []string{"", "00:00", "09:00", "23:59"} {
		cfg := &Config{
			Telegram: TelegramConfig{Token: "t"},
			Storage:  StorageConfig{Path: "p"},
			Tracker:  TrackerConfig{SummaryAt: at},
		}
		if err := Validate(cfg); err != nil {
			t.Fatalf("summary_at %q rejected: %v", at, err)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "secret-a", OwnerUserIDs: []int64{1}},
		Tracker:  TrackerConfig{FastPeriod: "10m"},
	}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "secret-b", OwnerUserIDs: []int64{1, 2}},
		Tracker:  TrackerConfig{FastPeriod: "5m"},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)

	want := map[string]bool{"telegram": true, "tracker": true}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected section %q in %v", c, changed)
		}
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing sections %v (got %v)", want, changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected summary attrs")
	}
}

func TestSummarizeTokenOnlyChangeIsQuiet(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	for _, c := range changed {
		if c == "telegram" {
			t.Fatalf("token-only change must not report the telegram section")
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 10m "); err != nil || d.Minutes() != 10 {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-3s"); err == nil {
		t.Fatalf("negative must error")
	}
	if _, err := ParseDurationField("x", "later"); err == nil {
		t.Fatalf("garbage must error")
	}
	if d, err := ParseDurationOrDefault("x", "", 5); err != nil || d != 5 {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}
