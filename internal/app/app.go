// Package app assembles the relay: config, logging, storage, the Stack
// Exchange client, the poll scheduler, the fan-out hub, push delivery,
// and the HTTP surface. It owns startup and shutdown ordering.
package app

import (
	"context"
	"fmt"
	"time"

	"sorelay/internal/config"
	"sorelay/internal/eventbus"
	"sorelay/internal/hub"
	"sorelay/internal/poller"
	"sorelay/internal/pusher"
	"sorelay/internal/runtime/supervisor"
	"sorelay/internal/stackoverflow"
	"sorelay/internal/storage"
	"sorelay/internal/web"
	"sorelay/pkg/logx"
)

const stopStepTimeout = 10 * time.Second

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus    eventbus.Bus
	store  storage.Store
	client *stackoverflow.Client
	hub    *hub.Hub
	poller *poller.Poller
	pusher *pusher.Pusher
	web    *web.Server

	sup *supervisor.Supervisor
}

// New loads the config file and wires every component. Nothing is running
// yet; call Start.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	mgr.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}
	if err := a.wire(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config) error {
	busyTimeout, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store
	a.bus = eventbus.New()

	reqTimeout, _ := config.ParseDurationOrDefault("stackoverflow.request_timeout", cfg.StackOverflow.RequestTimeout, 0)
	a.client = stackoverflow.New(stackoverflow.Config{
		ClientID:       cfg.StackOverflow.ClientID,
		ClientSecret:   cfg.StackOverflow.ClientSecret,
		Key:            cfg.StackOverflow.Key,
		RequestTimeout: reqTimeout,
		RatePerSec:     cfg.StackOverflow.RatePerSec,
	}, a.log.With(logx.String("comp", "stackoverflow")))

	a.hub = hub.New(cfg.Hub.QueueDepth, a.log.With(logx.String("comp", "hub")))

	cadence, _ := config.ParseDurationOrDefault("poller.cadence", cfg.Poller.Cadence, 0)
	backoffBase, _ := config.ParseDurationOrDefault("poller.backoff_base", cfg.Poller.BackoffBase, 0)
	backoffCap, _ := config.ParseDurationOrDefault("poller.backoff_cap", cfg.Poller.BackoffCap, 0)
	a.poller = poller.New(poller.Options{
		Cadence:       cadence,
		Workers:       cfg.Poller.Workers,
		QueueSize:     cfg.Poller.QueueSize,
		BackoffBase:   backoffBase,
		BackoffCap:    backoffCap,
		StoreRetryMax: cfg.Poller.StoreRetryMax,
	}, a.client, a.store, a.hub, a.bus, a.log.With(logx.String("comp", "poller")))

	if cfg.Push.Enabled {
		var senders []pusher.Sender
		if cfg.Push.Pushover.Token != "" {
			senders = append(senders, pusher.NewPushoverSender(cfg.Push.Pushover.Token))
		}
		if cfg.Push.Telegram.Token != "" {
			tg, err := pusher.NewTelegramSender(cfg.Push.Telegram.Token)
			if err != nil {
				return fmt.Errorf("telegram sender: %w", err)
			}
			senders = append(senders, tg)
		}
		a.pusher = pusher.New(pusher.Options{
			RatePerSec: cfg.Push.RatePerSec,
			RetryMax:   cfg.Push.RetryMax,
		}, a.store, a.bus, senders, a.log.With(logx.String("comp", "pusher")))
	}

	a.web = web.New(web.Options{
		Listen:    cfg.Web.Listen,
		PublicURL: cfg.Web.PublicURL,
	}, a.client, a.store, a.poller, a.hub, a.log.With(logx.String("comp", "web")))

	return nil
}

// Start brings the relay up: boot all registered accounts into the
// scheduler, start polling and push delivery, then serve HTTP.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	regs, err := a.store.Registrations(ctx)
	if err != nil {
		return fmt.Errorf("boot registrations: %w", err)
	}
	for _, reg := range regs {
		a.poller.Track(reg)
	}
	a.log.Info("app: boot complete", logx.Int("accounts", len(regs)))

	cfg := a.cfgMgr.Get()
	if cfg != nil && cfg.Poller.Enabled {
		if err := a.poller.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	} else {
		a.log.Warn("app: poller disabled by config")
	}
	if a.pusher != nil {
		if err := a.pusher.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start pusher: %w", err)
		}
	}

	a.sup.Go("web", func(ctx context.Context) error {
		return a.web.Start(ctx)
	})
	a.sup.Go("config-watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})
	a.sup.Go0("config-reload", a.watchReload)

	return nil
}

// watchReload applies the hot-reloadable subset of the config. Everything
// else (listen address, storage path, credentials) needs a restart.
func (a *App) watchReload(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("app: config reloaded, logging applied")
		}
	}
}

// Stop tears the relay down in reverse order, each step bounded.
func (a *App) Stop(ctx context.Context) error {
	step := func(name string, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, stopStepTimeout)
		defer cancel()
		if err := fn(sctx); err != nil {
			a.log.Warn("app: stop step failed", logx.String("step", name), logx.Err(err))
		}
	}

	step("web", a.web.Stop)
	if a.pusher != nil {
		step("pusher", a.pusher.Stop)
	}
	step("poller", a.poller.Stop)
	a.hub.Close()
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", a.sup.Wait)
	}
	step("storage", func(context.Context) error { return a.store.Close() })
	a.log.Info("app: stopped")
	a.logSvc.Close()
	return nil
}
