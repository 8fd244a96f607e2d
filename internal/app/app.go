// Package app wires the daemon together: config, logging, storage, the job
// controller and the scheduler trigger.
package app

import (
	"context"
	"time"

	"taskherd/internal/browser"
	"taskherd/internal/config"
	"taskherd/internal/engine"
	"taskherd/internal/notify"
	"taskherd/internal/preflight"
	"taskherd/internal/proc"
	"taskherd/internal/runtime/supervisor"
	"taskherd/internal/store"
	"taskherd/internal/trigger"
	logx "taskherd/pkg/logx"
)

type App struct {
	cfgPath string
	cfg     *config.Config

	logs *logx.Service
	log  logx.Logger

	store    *store.Store
	provider *browser.Provider
	runner   *proc.Runner

	progress   *engine.Aggregator
	controller *engine.Controller
	trig       *trigger.Trigger

	telegram *notify.TelegramNotifier
	watcher  *config.Watcher
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("database.busy_timeout", cfg.Database.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	browserTimeout, err := config.ParseDurationOrDefault("browser.timeout", cfg.Browser.Timeout, 60*time.Second)
	if err != nil {
		return nil, err
	}
	provider, err := browser.New(browser.Config{
		BaseURL: cfg.Browser.BaseURL,
		Timeout: browserTimeout,
	}, log.With(logx.String("comp", "browser")))
	if err != nil {
		return nil, err
	}

	procTimeout, err := config.ParseDurationOrDefault("processor.timeout", cfg.Processor.Timeout, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	runner, err := proc.New(proc.Config{
		Command: cfg.Processor.Command,
		Args:    cfg.Processor.Args,
		Timeout: procTimeout,
	}, log.With(logx.String("comp", "proc")))
	if err != nil {
		return nil, err
	}

	sinks := notify.Multi{notify.NewLogNotifier(log.With(logx.String("comp", "notify")))}
	var tg *notify.TelegramNotifier
	if cfg.Telegram.Enabled {
		tg, err = notify.NewTelegramNotifier(notify.TelegramConfig{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
			Events: cfg.Telegram.Events,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}

	paceDelay, err := config.ParseDurationField("engine.pace_delay", cfg.Engine.PaceDelay)
	if err != nil {
		return nil, err
	}
	failureDelay, err := config.ParseDurationField("engine.failure_delay", cfg.Engine.FailureDelay)
	if err != nil {
		return nil, err
	}

	progress := engine.NewAggregator()
	controller := engine.NewController(st, provider, progress, sinks,
		log.With(logx.String("comp", "engine")),
		engine.Config{PaceDelay: paceDelay, FailureDelay: failureDelay})

	trigOpts := []trigger.Option{
		trigger.WithPreflight(preflight.New(log.With(logx.String("comp", "preflight")))),
	}
	if cfg.Scheduler.LogCapacity > 0 {
		trigOpts = append(trigOpts, trigger.WithLogCapacity(cfg.Scheduler.LogCapacity))
	}
	trig := trigger.New(controller, &storeBuilder{store: st}, provider, runner, st, sinks,
		log.With(logx.String("comp", "trigger")), trigOpts...)

	return &App{
		cfgPath:    cfgPath,
		cfg:        cfg,
		logs:       logSvc,
		log:        log,
		store:      st,
		provider:   provider,
		runner:     runner,
		progress:   progress,
		controller: controller,
		trig:       trig,
		telegram:   tg,
		watcher:    config.NewWatcher(cfgPath, cfg, log.With(logx.String("comp", "config"))),
	}, nil
}

func (a *App) Controller() *engine.Controller { return a.controller }
func (a *App) Trigger() *trigger.Trigger      { return a.trig }
func (a *App) Progress() *engine.Aggregator   { return a.progress }

// Run starts the trigger and the config watcher and blocks until ctx is
// cancelled, then shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	if err := a.trig.Start(ctx); err != nil {
		return err
	}
	a.log.Info("started",
		logx.String("db", a.cfg.Database.Path),
		logx.String("browser", a.cfg.Browser.BaseURL))

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))
	sup.Go("config-watch", func(wctx context.Context) error {
		return a.watcher.Run(wctx)
	})
	sup.Go("config-apply", func(wctx context.Context) error {
		a.applyLoop(wctx)
		return nil
	})

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.trig.Stop(stopCtx)
	sup.Cancel()
	_ = sup.Wait(stopCtx)

	if a.telegram != nil {
		a.telegram.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	_ = a.logs.Close()
	return nil
}

// applyLoop re-applies the hot-reloadable parts of the config. Only logging
// is live today; everything else requires a restart.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.watcher.Subscribe(1)
	defer a.watcher.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Log.Level,
				Console: cfg.Log.Console,
				File: logx.FileConfig{
					Enabled: cfg.Log.File.Enabled,
					Path:    cfg.Log.File.Path,
				},
			})
			a.log.Info("logging settings applied", logx.String("level", cfg.Log.Level))
		}
	}
}
