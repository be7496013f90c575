package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata" // trading-day timezone without a system zoneinfo

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"execution-core/internal/api"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/guard"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/pkg/broker/paper"
	"execution-core/pkg/broker/restapi"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Errorw("execution core stopped with error", "error", err)
		_ = log.Sync()
		os.Exit(1)
	}
	log.Infow("execution core stopped")
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("starting execution core", "client_id", cfg.ClientID, "broker_mode", cfg.BrokerMode,
		"db_path", cfg.DBPath, "port", cfg.Port)

	// Ledger
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	ledger := database.Ledger()
	history := persistence.NewBatchWriter(database.DB, cfg.HistoryBatchSize, cfg.HistoryFlushInterval, log.Named("history"))
	ledger.SetHistoryWriter(history)

	// Broker
	client, err := gateway.NewClient(cfg.BrokerMode, restapi.Config{
		BaseURL:   cfg.BrokerBaseURL,
		APIKey:    cfg.BrokerAPIKey,
		APISecret: cfg.BrokerAPISecret,
		Timeout:   cfg.BrokerCallTimeout,
	})
	if err != nil {
		return err
	}
	if pb, ok := client.(*paper.Broker); ok {
		// Paper fills come from the externally fed snapshot table.
		pb.SetFeed(func(exchange, symbol string) (decimal.Decimal, bool) {
			snap, err := ledger.LatestPrice(context.Background(), exchange, symbol)
			if err != nil {
				return decimal.Zero, false
			}
			return snap.Price, true
		})
	}

	metrics := monitor.NewMetrics(nil)
	gw := gateway.New(client, gateway.Config{
		CallTimeout:   cfg.BrokerCallTimeout,
		RateLimit:     cfg.BrokerRateLimit,
		Burst:         cfg.BrokerBurst,
		LoginAttempts: cfg.LoginAttempts,
	}, log.Named("gateway"))
	gw.SetObserver(metrics)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx = runCtx
	gw.SetFatalHandler(func(err error) {
		log.Errorw("broker session unrecoverable, halting", "error", err)
		cancel(err)
	})
	if err := gw.EnsureSession(ctx); err != nil {
		return fmt.Errorf("broker login: %w", err)
	}

	prices, err := market.NewPriceSource(cfg.PriceSource, gw, ledger, cfg.PriceMaxAge)
	if err != nil {
		return err
	}

	// Core services
	bus := events.NewBus()
	g := guard.New(log.Named("guard"))
	exits := order.NewQueue(cfg.ExitQueueSize)

	svc := order.NewService(cfg.ClientID, ledger, g, gw, log.Named("order"))
	svc.SetExitQueue(exits)
	svc.SetPublisher(bus)
	svc.SetRecorder(metrics)

	riskCfg, err := riskConfig(cfg.Risk)
	if err != nil {
		return err
	}
	riskMgr, err := risk.NewManager(ctx, cfg.ClientID, riskCfg, ledger, gw, g, log.Named("risk"))
	if err != nil {
		return fmt.Errorf("risk manager: %w", err)
	}
	riskMgr.SetExiter(svc)
	riskMgr.SetPublisher(bus)
	svc.SetRiskGate(riskMgr)

	watcher := reconciliation.NewWatcher(reconciliation.Config{
		ClientID:           cfg.ClientID,
		Interval:           cfg.WatcherInterval,
		UnconfirmedTimeout: cfg.UnconfirmedTimeout,
	}, ledger, g, gw, svc, prices, nil, exits.Chan(), log.Named("watcher"))
	watcher.SetRiskNotifier(riskMgr)
	watcher.SetPublisher(bus)
	watcher.SetRecorder(metrics)

	notifier := monitor.NewNotifier(cfg.AlertTimeout, log.Named("alerts"), alertSinks(cfg, log)...)

	server := api.NewServer(api.Deps{
		Commands: svc,
		Ledger:   ledger,
		Guard:    g,
		Risk:     riskMgr,
		Metrics:  metrics,
		Broker:   gw,
		Bus:      bus,
	}, api.Config{
		JWTSecret:      cfg.JWTSecret,
		RateLimit:      cfg.APIRateLimit,
		Burst:          cfg.APIBurst,
		RequestTimeout: cfg.RequestTimeout,
		CORSOrigins:    cfg.CORSOrigins,
	}, log.Named("api"))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return history.Start(ctx) })
	eg.Go(func() error { return notifier.Start(ctx, bus) })
	eg.Go(func() error { return watcher.Start(ctx) })
	eg.Go(func() error { return riskMgr.Start(ctx) })
	eg.Go(func() error { return server.Run(ctx, ":"+cfg.Port) })

	log.Infow("execution core running")
	err = eg.Wait()
	if cause := context.Cause(runCtx); errors.Is(cause, gateway.ErrSessionUnrecoverable) {
		return cause
	}
	return err
}

func riskConfig(l config.RiskLimits) (risk.Config, error) {
	maxLoss, err := decimal.NewFromString(l.MaxDailyLoss)
	if err != nil {
		return risk.Config{}, fmt.Errorf("max daily loss %q: %w", l.MaxDailyLoss, err)
	}
	step, err := decimal.NewFromString(l.TrailingStep)
	if err != nil {
		return risk.Config{}, fmt.Errorf("trailing step %q: %w", l.TrailingStep, err)
	}
	return risk.Config{
		MaxDailyLoss:       maxLoss,
		TrailingStep:       step,
		CooldownBase:       l.CooldownBase,
		CooldownMultiplier: l.CooldownMultiplier,
		MaxCooldown:        l.MaxCooldown,
		Interval:           l.Interval,
		Timezone:           l.Timezone,
	}, nil
}

func alertSinks(cfg *config.Config, log *zap.SugaredLogger) []monitor.AlertSink {
	sinks := []monitor.AlertSink{monitor.LogSink{Log: log.Named("alerts")}}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, monitor.WebhookSink{URL: cfg.AlertWebhookURL})
	}
	if cfg.SMTPHost != "" {
		email, err := monitor.NewEmailSink(monitor.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.AlertEmailFrom,
			To:       cfg.AlertEmailTo,
		})
		if err != nil {
			log.Warnw("email alerts disabled", "error", err)
		} else {
			sinks = append(sinks, email)
		}
	}
	return sinks
}
