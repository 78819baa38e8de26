package core

import (
	"context"
	"fmt"
	"time"

	"revokeguard/internal/config"
	rtsup "revokeguard/internal/runtime/supervisor"
	"revokeguard/internal/services/notify"
	"revokeguard/internal/services/scheduler"
	"revokeguard/internal/storage"
	"revokeguard/internal/transport"
	"revokeguard/internal/transport/telegram"
	"revokeguard/internal/transport/wechat"
	logx "revokeguard/pkg/logx"
)

const defaultUpdateBuffer = 256

// App wires the host together: config, logging, the gateway adapter, shared
// services, and the plugin manager.
type App struct {
	cfgm   *config.Manager
	logsvc *logx.Service
	log    logx.Logger

	adapter  *wechat.Adapter
	store    storage.Store
	sched    *scheduler.Service
	notifier *notify.Service
	plugins  *PluginManager

	updates chan transport.Update
	sup     *rtsup.Supervisor
	started bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logsvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	adapter, err := newAdapter(cfg, log)
	if err != nil {
		logsvc.Close()
		return nil, err
	}

	// Optional Telegram mirror for operator notifications.
	var mirror notify.MirrorSender
	if nc := cfg.Notifier; nc != nil && nc.Telegram != nil && nc.Telegram.Enabled {
		ts, err := telegram.New(telegram.Config{Token: nc.Telegram.Token, ChatID: nc.Telegram.ChatID}, log.With(logx.String("comp", "telegram.mirror")))
		if err != nil {
			logsvc.Close()
			return nil, fmt.Errorf("telegram mirror: %w", err)
		}
		mirror = ts
	}

	store, err := openStore(cfg, log)
	if err != nil {
		logsvc.Close()
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}, log.With(logx.String("comp", "scheduler")))
	notifier := notify.New(notifierConfig(cfg), adapter, mirror, log.With(logx.String("comp", "notify")))

	a := &App{
		cfgm:     cfgm,
		logsvc:   logsvc,
		log:      log,
		adapter:  adapter,
		store:    store,
		sched:    sched,
		notifier: notifier,
	}

	deps := PluginDeps{
		Logger:  log,
		Adapter: adapter,
		Config:  cfgm,
		Services: &Services{
			Notifier:  notifier,
			Scheduler: sched,
			Store:     store,
		},
	}
	a.plugins = NewPluginManager(log.With(logx.String("comp", "plugins")), cfgm, deps)

	buffer := cfg.WeChat.UpdateBuffer
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}
	a.updates = make(chan transport.Update, buffer)

	return a, nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (*wechat.Adapter, error) {
	// Durations were validated at load time.
	rmin, _ := config.ParseDurationOr("wechat.reconnect_min", cfg.WeChat.ReconnectMin, time.Second)
	rmax, _ := config.ParseDurationOr("wechat.reconnect_max", cfg.WeChat.ReconnectMax, 30*time.Second)
	return wechat.New(wechat.Config{
		GatewayWS:    cfg.WeChat.GatewayWS,
		GatewayAPI:   cfg.WeChat.GatewayAPI,
		Token:        cfg.WeChat.Token,
		ReconnectMin: rmin,
		ReconnectMax: rmax,
	}, log.With(logx.String("comp", "wechat")))
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	if cfg.Storage == nil {
		return nil, nil
	}
	busy, _ := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
}

func notifierConfig(cfg *config.Config) notify.Config {
	// Omitted section means enabled with defaults.
	if cfg.Notifier == nil {
		return notify.Config{Enabled: true}
	}
	return notify.Config{
		Enabled:    cfg.Notifier.Enabled,
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
	}
}

func (a *App) Plugins() *PluginManager { return a.plugins }

func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	a.started = true

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))), rtsup.WithCancelOnError(false))

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.notifier.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}

	// Fan updates out to plugins. Dispatch absorbs per-plugin failures.
	a.sup.Go0("dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up := <-a.updates:
				a.plugins.Dispatch(up)
			}
		}
	})

	if err := a.plugins.StartAll(a.sup.Context()); err != nil {
		return err
	}

	// Config hot reload: watch the file and re-apply sections that support it.
	// The gateway endpoints are fixed for the process lifetime; changing them
	// requires a restart.
	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cfg := <-sub:
				if cfg == nil {
					continue
				}
				a.log.Info("config reloaded")
				a.logsvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
				})
				a.notifier.Apply(notifierConfig(cfg))
				a.plugins.OnConfigUpdate(c, cfg)
			}
		}
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false

	stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	a.plugins.StopAll(stopCtx, StopAppStop)
	a.notifier.Stop(stopCtx)
	a.sched.Stop(stopCtx)
	_ = a.adapter.Stop(stopCtx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(stopCtx)
		a.sup = nil
	}

	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("app stopped")
	_ = a.logsvc.Close()
	return nil
}
