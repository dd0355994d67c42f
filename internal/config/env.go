package config

import (
	"os"
	"strings"
)

// Environment variables that override file values. Secrets (bot token,
// PA-API keys) normally live only in the environment; .env loading happens
// in main via godotenv before the first Parse.
const (
	EnvTelegramToken   = "PRICEBOT_TELEGRAM_TOKEN"
	EnvPAAPIAccessKey  = "PRICEBOT_PAAPI_ACCESS_KEY"
	EnvPAAPISecretKey  = "PRICEBOT_PAAPI_SECRET_KEY"
	EnvPAAPIPartnerTag = "PRICEBOT_PAAPI_PARTNER_TAG"
	EnvPprofToken      = "PRICEBOT_PPROF_TOKEN"
)

// applyEnvOverrides lets the environment win over the file for secret-ish
// fields. Called by Parse so hot reloads keep the same precedence.
func applyEnvOverrides(cfg *Config) {
	if v := envValue(EnvTelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := envValue(EnvPAAPIAccessKey); v != "" {
		cfg.Amazon.API.AccessKey = v
	}
	if v := envValue(EnvPAAPISecretKey); v != "" {
		cfg.Amazon.API.SecretKey = v
	}
	if v := envValue(EnvPAAPIPartnerTag); v != "" {
		cfg.Amazon.API.PartnerTag = v
	}
	if v := envValue(EnvPprofToken); v != "" {
		cfg.Pprof.Token = v
	}
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
