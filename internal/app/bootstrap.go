package app

import (
	"time"

	"pricebot/internal/config"
	"pricebot/internal/runtime/supervisor"
	"pricebot/internal/transport/telegram/router"
)

// Local aliases for the wiring below, so the composition code reads
// without package prefixes on every line.

// Config layer.

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// Runtime layer.

type Supervisor = supervisor.Supervisor

type SupervisorRegistry = router.SupervisorRegistry

var NewSupervisor = supervisor.NewSupervisor

var NewSupervisorRegistry = router.NewSupervisorRegistry

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

// Command router.

type Services = router.Services

type CommandManager = router.CommandManager

var NewCommandManager = router.NewCommandManager
