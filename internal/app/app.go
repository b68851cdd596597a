// Package app wires configuration, storage, transport, and the linking
// and notification subsystems into one runnable bot.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/kaze-no-manga/telegram-bot/internal/clock"
	"github.com/kaze-no-manga/telegram-bot/internal/config"
	"github.com/kaze-no-manga/telegram-bot/internal/library"
	"github.com/kaze-no-manga/telegram-bot/internal/linking"
	"github.com/kaze-no-manga/telegram-bot/internal/metrics"
	"github.com/kaze-no-manga/telegram-bot/internal/notify"
	"github.com/kaze-no-manga/telegram-bot/internal/prefs"
	"github.com/kaze-no-manga/telegram-bot/internal/router"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	"github.com/kaze-no-manga/telegram-bot/internal/transport"
	tgadapter "github.com/kaze-no-manga/telegram-bot/internal/transport/telegram/adapter"
	"github.com/kaze-no-manga/telegram-bot/internal/web"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    storage.Store
	adapter  *tgadapter.Adapter
	router   *router.Router
	poller   *library.Poller
	web      *web.Server
	metrics  *metrics.Collector

	updates chan transport.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
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

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log, metrics: metrics.NewCollector()}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	pollTimeout, _ := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	sendTimeout, _ := config.ParseDurationField("telegram.send_timeout", cfg.Telegram.SendTimeout)
	adapter, err := tgadapter.New(tgadapter.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRate,
		SendTimeout:    sendTimeout,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	clk := clock.System{}
	registry := linking.NewRegistry(store, clk, cfg.CodeTTL(), a.log.With(logx.String("comp", "linking")))
	coordinator := linking.NewCoordinator(store, registry, clk, a.log.With(logx.String("comp", "linking")))
	prefStore := prefs.NewStore(store, a.log.With(logx.String("comp", "prefs")))

	dispatcher := notify.NewDispatcher(
		store, prefStore, adapter, notify.TextFormatter{}, clk, a.metrics,
		a.log.With(logx.String("comp", "notify")),
	)

	a.router = router.New(coordinator, prefStore, store, adapter, a.metrics,
		a.log.With(logx.String("comp", "router")))

	reqTimeout, _ := config.ParseDurationField("upstream.request_timeout", cfg.Upstream.RequestTimeout)
	client, err := library.NewClient(cfg.Upstream.BaseURL, reqTimeout)
	if err != nil {
		return fmt.Errorf("upstream client: %w", err)
	}
	dedupWindow, _ := config.ParseDurationField("upstream.dedup_window", cfg.Upstream.DedupWindow)
	a.poller = library.NewPoller(library.PollerConfig{
		Schedule:    cfg.Upstream.Schedule,
		DedupWindow: dedupWindow,
	}, store, client, dispatcher, a.metrics, a.log.With(logx.String("comp", "poller")))

	if cfg.Web.Enabled {
		a.web = web.NewServer(web.Config{Addr: cfg.Web.Addr}, coordinator, a.metrics,
			a.log.With(logx.String("comp", "web")))
	}

	return nil
}

// Start brings all components up. It returns once everything is running;
// the app then lives until Stop or ctx cancellation.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.updates = make(chan transport.Update, 128)
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return fmt.Errorf("start adapter: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.router.Run(runCtx, a.updates)
	}()

	if err := a.poller.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start poller: %w", err)
	}

	if a.web != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.web.Start(runCtx); err != nil {
				a.log.Error("web server exited", logx.Err(err))
			}
		}()
	}

	// Config hot-reload: only logging settings apply live; the rest needs
	// a restart.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watchConfig(runCtx)
	}()

	a.log.Info("bot started")
	return nil
}

func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
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
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

// Stop shuts everything down in reverse dependency order.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.poller.Stop()
	_ = a.adapter.Stop(ctx)
	a.wg.Wait()
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("bot stopped")
	return a.logSvc.Close()
}
