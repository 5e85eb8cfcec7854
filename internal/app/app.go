// Package app wires the scheduler daemon together: config, logging,
// storage, the materializer, the lifecycle sweeps, the cron runner and
// the notifier.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"livesched/internal/config"
	"livesched/internal/eventbus"
	"livesched/internal/materialize"
	"livesched/internal/notifier"
	"livesched/internal/runner"
	"livesched/internal/storage"
	"livesched/internal/stream"
	logx "livesched/pkg/logx"
)

const (
	jobMaterialize = "scheduler.materialize"
	jobAutoStart   = "streams.auto_start"
	jobAutoEnd     = "streams.auto_end"
	jobCleanup     = "streams.cleanup"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	mat       *materialize.Materializer
	lifecycle *stream.Lifecycle
	run       *runner.Service
	notif     *notifier.Service

	stopOnce sync.Once
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(cfg.StorageConfig(), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", firstNonEmpty(cfg.Storage.Driver, "memory")))

	mat := materialize.New(store, bus, log.With(logx.String("comp", "materialize")),
		materialize.WithWorkers(cfg.Scheduler.MaterializeWorkers))

	lifecycle := stream.NewLifecycle(store, bus, log.With(logx.String("comp", "lifecycle")), cfg.LifecycleConfig())

	run := runner.New(cfg.RunnerConfig(), bus, log.With(logx.String("comp", "runner")))

	var notif *notifier.Service
	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		poll, _ := config.ParseDurationField("notifier.poll_timeout", nc.PollTimeout)
		ncfg := notifier.Config{
			Enabled:     true,
			Token:       nc.Token,
			ChatID:      nc.ChatID,
			Workers:     2,
			QueueSize:   nc.QueueSize,
			RatePerSec:  nc.RatePerSec,
			PollTimeout: poll,
		}
		sender, err := notifier.NewTelegramSender(ncfg)
		if err != nil {
			return nil, err
		}
		notif = notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")))
	}

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		mat:       mat,
		lifecycle: lifecycle,
		run:       run,
		notif:     notif,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.bgCancel = cancel

	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional reload: a config that fails validation is never
	// committed or published.
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	a.registerJobs(cfg)
	if cfg.Scheduler.Enabled {
		a.run.Start(bgCtx)
	} else {
		a.log.Warn("scheduler disabled; no jobs will run")
	}

	if a.notif != nil {
		a.notif.Start(bgCtx)
		a.notif.Attach(a.bus)
	}

	// Config hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(bgCtx, sub, cfg)
	}()
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		_ = a.cfgm.Watch(bgCtx)
	}()

	// systemd readiness and watchdog, no-ops outside systemd units.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.bgWG.Add(1)
		go func() {
			defer a.bgWG.Done()
			a.watchdogLoop(bgCtx, interval/2)
		}()
	}

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		a.run.Stop(ctx)
		if a.notif != nil {
			a.notif.Stop(ctx)
		}
		if a.bgCancel != nil {
			a.bgCancel()
		}
		a.bgWG.Wait()
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.log.Info("stopped")
	})
	return nil
}

// registerJobs binds the materialization pass and the lifecycle sweeps
// to the runner. Registration replaces by name, so re-registering on a
// config reload updates the cadence in place.
func (a *App) registerJobs(cfg *config.Config) {
	autoStart, autoEnd, cleanup := cfg.SweepIntervals()

	// Per-rule failures are logged and published by the materializer;
	// the job only fails when the rule listing itself fails.
	_, _ = a.run.AddInterval(jobMaterialize, cfg.MaterializeInterval(), 0, func(ctx context.Context) error {
		_, err := a.mat.MaterializeDue(ctx, time.Now())
		return err
	})
	_, _ = a.run.AddInterval(jobAutoStart, autoStart, 0, func(ctx context.Context) error {
		_, err := a.lifecycle.AutoStart(ctx, time.Now())
		return err
	})
	_, _ = a.run.AddInterval(jobAutoEnd, autoEnd, 0, func(ctx context.Context) error {
		_, err := a.lifecycle.AutoEnd(ctx, time.Now())
		return err
	})
	_, _ = a.run.AddInterval(jobCleanup, cleanup, 0, func(ctx context.Context) error {
		_, err := a.lifecycle.Cleanup(ctx, time.Now())
		return err
	})
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, lastApplied *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config changed", fields...)
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "logging":
					a.logs.Apply(newCfg.LogxConfig())
				case "storage":
					a.log.Warn("storage config changed; restart required for changes to take effect")
				case "notifier":
					a.log.Warn("notifier config changed; restart required for changes to take effect")
				case "scheduler", "streams":
					a.registerJobs(newCfg)
					a.run.Apply(newCfg.RunnerConfig())
					if newCfg.Scheduler.Enabled {
						a.run.Start(ctx)
					} else {
						a.run.Stop(ctx)
					}
				}
			}
		}
	}
}

func (a *App) watchdogLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
