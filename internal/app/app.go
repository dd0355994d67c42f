package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pricebot/internal/amazon"
	"pricebot/internal/bot"
	"pricebot/internal/config"
	"pricebot/internal/eventbus"
	"pricebot/internal/notifier"
	"pricebot/internal/notifier/broadcast"
	"pricebot/internal/observability/pprof"
	"pricebot/internal/rotation"
	"pricebot/internal/scheduler"
	"pricebot/internal/storage"
	kit "pricebot/internal/transport"
	telegram "pricebot/internal/transport/telegram/adapter"
	logx "pricebot/pkg/logx"
)

// App wires the whole tracker together: config, storage, price sources,
// tier rotations, scheduler, notifier, broadcast, the Telegram adapter and
// the command surface.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	// api is nil when PA-API credentials are absent; the runners and the
	// bot fall back to the scraper on their own.
	api    amazon.Source
	scrape amazon.Source

	sched *scheduler.Service
	notif *notifier.Service
	bcast *broadcast.Service
	prof  *pprof.Service

	bot    *bot.Bot
	alerts *bot.Alerts

	cmdm *CommandManager
	serv *Services

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(context.Background(), cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// The ops-chat log sink would warn about a missing target if enabled
	// before the target is set, so bootstrap with it off, point it at the
	// ops chat, then apply the real flag.
	baseLogCfg := logCfgFrom(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))
	applyOpsTarget(logSvc, cfg)
	logSvc.Apply(logCfgFrom(cfg))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	var api amazon.Source
	if src, err := amazon.NewAPISource(apiCfg, log.With(logx.String("comp", "paapi"))); err != nil {
		if amazon.ReasonOf(err) != amazon.ReasonUnsigned {
			return nil, err
		}
		log.Info("pa-api credentials absent, scraping only")
	} else {
		api = src
	}
	scrapeCfg, err := mapScrapeConfig(cfg)
	if err != nil {
		return nil, err
	}
	scrape := amazon.NewScrapeSource(scrapeCfg, log.With(logx.String("comp", "scrape")))

	sched := scheduler.New(scheduler.Config{
		Timezone:    cfg.Scheduler.Timezone,
		HistorySize: cfg.Scheduler.HistorySize,
	}, bus, log)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)

	bcast := broadcast.New(mapBroadcastConfig(cfg), ad, log.With(logx.String("comp", "broadcast")))

	prof := pprof.New(pprof.FromConfig(cfg.Pprof), log.With(logx.String("comp", "pprof")))

	serv := &Services{
		Scheduler:          sched,
		Notifier:           notifSvc,
		RuntimeSupervisors: NewSupervisorRegistry(),
	}

	cmdm := NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, serv, cfg.Telegram.OwnerUserIDs)

	b := bot.New(bot.Deps{
		Store:     store,
		API:       api,
		Scrape:    scrape,
		Notifier:  notifSvc,
		Broadcast: bcast,
		Cfgm:      cfgm,
		Log:       log.With(logx.String("comp", "bot")),
	})
	b.Register(cmdm)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		api:     api,
		scrape:  scrape,
		sched:   sched,
		notif:   notifSvc,
		bcast:   bcast,
		prof:    prof,
		bot:     b,
		cmdm:    cmdm,
		serv:    serv,
		updates: make(chan kit.Update, 256),
	}
	a.alerts = bot.NewAlerts(cfgm, notifSvc, log)

	if err := a.registerTrackerTasks(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// registerTrackerTasks (re)binds the tier rotations and the daily summary
// to the scheduler. Add replaces by name, so calling it again after a
// config change re-arms everything with the new periods.
func (a *App) registerTrackerTasks(cfg *Config) error {
	rt, err := mapTrackerConfig(cfg)
	if err != nil {
		return err
	}

	rlog := a.log.With(logx.String("comp", "rotation"))
	for _, rc := range []rotation.Config{rt.fast, rt.standard} {
		runner := rotation.NewRunner(rc, a.store, a.api, a.scrape, a.alerts, rlog)
		task := scheduler.Task{
			Name: "rotation." + string(rc.Tier),
			Spec: rc.Period.String(),
			// A run's visit budget is sized to its period; a run that
			// overshoots it is wedged, not slow.
			Timeout: rc.Period,
			Run: func(ctx context.Context) error {
				_, err := runner.Run(ctx)
				return err
			},
		}
		if err := a.sched.Add(task); err != nil {
			return err
		}
	}

	return a.sched.AddDaily("summary.daily", rt.summaryAt, 5*time.Minute, a.bot.DailySummary)
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	if a.serv != nil {
		a.serv.AppSupervisor = a.sup
		if a.serv.RuntimeSupervisors == nil {
			a.serv.RuntimeSupervisors = NewSupervisorRegistry()
		}
	}

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateRuntime)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.registerSupervisor("telegram.adapter", a.adapter)

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		a.registerSupervisor("notifier", a.notif)
	}
	if a.bcast.Enabled() {
		a.bcast.Start(a.sup.Context())
	}

	cfg := a.cfgm.Get()
	if cfg != nil && cfg.Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
	}
	if a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
		a.registerSupervisor("pprof", a.prof)
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// Bus traffic is debug-only observability; components that care
	// subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// registerSupervisor exposes a subsystem's supervisor through /status.
func (a *App) registerSupervisor(name string, svc any) {
	if a.serv == nil {
		return
	}
	sp, ok := svc.(interface{ Supervisor() *Supervisor })
	if !ok {
		return
	}
	if sup := sp.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set(name, sup)
	}
}

// reloadLoop applies validated config updates to the running services.
func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	lastApplied := a.cfgm.Get()
	schedRunning := lastApplied != nil && lastApplied.Scheduler.Enabled

	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			restartOnly(a.log, lastApplied, newCfg)

			sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				// The manager only publishes on content change, so an empty
				// diff here means only redacted fields moved.
				a.log.Debug("config reload received, no loggable changes")
				lastApplied = newCfg
				continue
			}
			a.log.Debug("config change summary",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

			lastApplied = newCfg

			// Log sink target first so Apply() never warns about a
			// missing target.
			applyOpsTarget(a.logs, newCfg)
			a.logs.Apply(logCfgFrom(newCfg))

			a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

			if has(sections, "tracker") {
				if err := a.registerTrackerTasks(newCfg); err != nil {
					a.log.Warn("invalid tracker config; keeping previous tasks", logx.Err(err))
				}
			}

			if has(sections, "scheduler") {
				a.sched.Apply(scheduler.Config{
					Timezone:    newCfg.Scheduler.Timezone,
					HistorySize: newCfg.Scheduler.HistorySize,
				})
				switch {
				case schedRunning && !newCfg.Scheduler.Enabled:
					a.log.Info("scheduler disabled via config")
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.sched.Stop(stopCtx)
					cancel()
					schedRunning = false
				case !schedRunning && newCfg.Scheduler.Enabled:
					a.log.Info("scheduler enabled via config")
					a.sched.Start(ctx)
					schedRunning = true
				}
			}

			if has(sections, "notifier") {
				prevEnabled := a.notif.Enabled()
				ncfg, err := mapNotifierConfig(newCfg)
				if err != nil {
					a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
				} else {
					a.notif.Apply(ncfg)
					if prevEnabled && !ncfg.Enabled {
						a.log.Info("notifier disabled via config")
						stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
						a.notif.Stop(stopCtx)
						cancel()
					} else if !prevEnabled && ncfg.Enabled {
						a.log.Info("notifier enabled via config")
						a.notif.Start(ctx)
						a.registerSupervisor("notifier", a.notif)
					}
				}
			}

			if has(sections, "broadcast") {
				prevEnabled := a.bcast.Enabled()
				bcfg := mapBroadcastConfig(newCfg)
				a.bcast.Apply(bcfg)
				if prevEnabled && !bcfg.Enabled {
					a.log.Info("broadcast disabled via config")
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.bcast.Stop(stopCtx)
					cancel()
				} else if !prevEnabled && bcfg.Enabled {
					a.log.Info("broadcast enabled via config")
					a.bcast.Start(ctx)
				}
			}

			if has(sections, "pprof") {
				a.prof.Reconfigure(ctx, pprof.FromConfig(newCfg.Pprof))
			}

			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
		}
	}
}

// restartOnly warns about changes that only take effect after a restart:
// the adapter, the price-source clients and the store are built once.
// Fields are compared directly because the diff summary redacts secrets
// (a rotated token never shows up in the changed-sections list).
func restartOnly(log logx.Logger, oldCfg, newCfg *Config) {
	if oldCfg == nil || newCfg == nil {
		return
	}
	if oldCfg.Storage != newCfg.Storage {
		log.Warn("storage config changed; restart required for changes to take effect")
	}
	if oldCfg.Amazon.Region != newCfg.Amazon.Region ||
		oldCfg.Amazon.API != newCfg.Amazon.API ||
		oldCfg.Amazon.Scrape != newCfg.Amazon.Scrape {
		log.Warn("price source config changed; restart required for changes to take effect")
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		log.Warn("telegram adapter config changed; restart required for changes to take effect")
	}
}

func has(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}

func logCfgFrom(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func applyOpsTarget(logs *logx.Service, cfg *Config) {
	raw := strings.TrimSpace(cfg.Telegram.OpsChat)
	if raw == "" {
		logs.SetTelegramTarget(0, 0)
		return
	}
	if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
		logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
}

// validateRuntime is the reload gate: structural checks plus the lookups
// that need other packages (marketplace table, tz database).
func validateRuntime(_ context.Context, cfg *Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if r := strings.TrimSpace(cfg.Amazon.Region); r != "" && !amazon.KnownRegion(r) {
		return fmt.Errorf("amazon.region: unknown marketplace %q", cfg.Amazon.Region)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapTrackerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding
	// immediately.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Steps must honor stepCtx; log the leak when one does not.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Triggers first so no new rotation lands on a closing store.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("broadcast", 2*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.prof.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally wait for supervised goroutines (config watch/reload, the
	// command dispatcher).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
