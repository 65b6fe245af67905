package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/farellandr/rifapix/config"
	"github.com/farellandr/rifapix/internal/cache"
	"github.com/farellandr/rifapix/internal/charge"
	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/events"
	"github.com/farellandr/rifapix/internal/handlers"
	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/metrics"
	"github.com/farellandr/rifapix/internal/notify"
	"github.com/farellandr/rifapix/internal/payment"
	"github.com/farellandr/rifapix/internal/reconcile"
	"github.com/farellandr/rifapix/internal/reservation"
	"github.com/farellandr/rifapix/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// App holds the wired services and the background loops that go with them.
type App struct {
	Config   *config.Config
	Services *handlers.Services
	Registry *prometheus.Registry

	telegram *notify.Telegram
	closers  []func() error
}

// Build wires storage, change feed, payment provider and services from cfg.
func Build(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	app := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(app.Registry)
	clk := clock.Real()

	store, err := app.openStore(ctx, cfg.DB, clk, log)
	if err != nil {
		return nil, err
	}

	rdb, err := config.InitRedis(ctx, cfg.Redis)
	if err != nil {
		app.Close()
		return nil, err
	}
	var feed events.Feed
	var snapshots cache.SnapshotCache = cache.Nop{}
	if rdb != nil {
		app.closers = append(app.closers, rdb.Close)
		feed = events.NewRedisFeed(rdb, log)
		snapshots = cache.NewRedisCache(rdb, cfg.Redis.SnapshotTTL)
		log.WithField("addr", cfg.Redis.Addr).Info("using redis change feed and snapshot cache")
	} else {
		feed = events.NewHub(log)
		log.Info("REDIS_ADDR not set, using in-process change feed")
	}
	feed = events.WithInvalidation(feed, snapshots)

	var (
		provider payment.Provider
		sandbox  *payment.Sandbox
		signer   *helpers.RequestSigner
	)
	if cfg.Payment.Provider == "sandbox" {
		sandbox = payment.NewSandbox(cfg.Payment.Key)
		provider = sandbox
		log.Warn("sandbox payment provider enabled, charges are never paid by a bank")
	} else {
		provider = payment.NewPixClient(payment.PixConfig{
			BaseURL:   cfg.Payment.BaseURL,
			ClientID:  cfg.Payment.ClientID,
			SecretKey: cfg.Payment.SecretKey,
			Key:       cfg.Payment.Key,
			Timeout:   cfg.Payment.Timeout,
		})
		signer = helpers.NewRequestSigner(cfg.Payment.ClientID, cfg.Payment.SecretKey)
	}
	provider = payment.WithRetry(provider, payment.RetryPolicy{MaxTries: uint(cfg.Payment.MaxRetries)}, log, m)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AdminChatID, log)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.telegram = tg
		notifier = tg
	}

	app.Services = &handlers.Services{
		Store: store,
		Reservations: reservation.NewService(reservation.Options{
			Store:        store,
			Feed:         feed,
			Cache:        snapshots,
			Clock:        clk,
			Log:          log,
			Metrics:      m,
			SelectionTTL: cfg.SelectionTTL,
		}),
		Issuer: charge.NewIssuer(charge.Options{
			Store:      store,
			Provider:   provider,
			Feed:       feed,
			Clock:      clk,
			Log:        log,
			Metrics:    m,
			PaymentTTL: cfg.PaymentTTL,
		}),
		Engine: reconcile.NewEngine(reconcile.Options{
			Store:        store,
			Provider:     provider,
			Feed:         feed,
			Notifier:     notifier,
			Clock:        clk,
			Log:          log,
			Metrics:      m,
			PollInterval: cfg.ServerPollInterval,
		}),
		Sweeper:            sweeper.New(store, feed, clk, cfg.SweepInterval, log, m),
		Feed:               feed,
		Clock:              clk,
		Log:                log,
		Sandbox:            sandbox,
		WebhookSigner:      signer,
		JWTSecret:          cfg.Auth.JWTSecret,
		SessionTTL:         cfg.Auth.SessionTTL,
		ClientPollInterval: cfg.ClientPollInterval,
	}
	return app, nil
}

func (app *App) openStore(ctx context.Context, cfg config.DBConfig, clk clock.Clock, log logrus.FieldLogger) (ledger.Store, error) {
	if cfg.Driver == "memory" {
		log.Warn("DB_DRIVER=memory, ledger is not persisted")
		return ledger.NewMemoryStore(clk), nil
	}

	db, err := config.InitDatabase(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)

	store := ledger.NewGormStore(db, clk)
	if err := store.Migrate(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases database and redis connections.
func (app *App) Close() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		errs = append(errs, app.closers[i]())
	}
	app.closers = nil
	return errors.Join(errs...)
}
