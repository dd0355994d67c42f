package router

import (
	"pricebot/internal/config"
	"pricebot/internal/runtime/supervisor"
	"pricebot/internal/scheduler"
)

type Config = config.Config

type ConfigManager = config.ConfigManager

type Supervisor = supervisor.Supervisor

var (
	NewSupervisor     = supervisor.NewSupervisor
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError

	WithRestartBackoff    = supervisor.WithRestartBackoff
	WithPublishFirstError = supervisor.WithPublishFirstError
	WithStopOnCleanExit   = supervisor.WithStopOnCleanExit
)

// Scheduler state surfaced by the status commands.

type TaskStatus = scheduler.TaskStatus

type RunRecord = scheduler.RunRecord
