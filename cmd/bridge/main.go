package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/signal_bridge/internal/broker"
	"github.com/eddiefleurent/signal_bridge/internal/config"
	"github.com/eddiefleurent/signal_bridge/internal/engine"
	"github.com/eddiefleurent/signal_bridge/internal/ledger"
	"github.com/eddiefleurent/signal_bridge/internal/market"
	"github.com/eddiefleurent/signal_bridge/internal/monitor"
	"github.com/eddiefleurent/signal_bridge/internal/notify"
	"github.com/eddiefleurent/signal_bridge/internal/webhook"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithField("mode", cfg.Environment.Mode).Info("starting signal bridge")
	if cfg.IsPaperTrading() {
		logger.Info("🏳️ PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Warn("💰 LIVE TRADING MODE - Real money at risk!")
		logger.Warn("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	if err := run(cfg, logger); err != nil && err != context.Canceled {
		logger.Fatalf("Bridge error: %v", err)
	}
	logger.Info("bridge stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := broker.NewGateway(broker.GatewayConfig{
		Host:                 cfg.IBKR.Host,
		Port:                 cfg.IBKR.Port,
		ClientID:             cfg.IBKR.ClientID,
		Account:              cfg.IBKR.Account,
		MaxReconnectAttempts: cfg.IBKR.MaxReconnectAttempts,
	}, logger)
	brk := broker.NewCircuitBreakerBroker(gateway, logger)

	if err := brk.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer func() {
		if err := brk.Close(); err != nil {
			logger.WithError(err).Warn("gateway close failed")
		}
	}()

	hours, err := sessionHours(cfg)
	if err != nil {
		return err
	}
	oracle, err := market.NewOracle(hours, cfg.Location(),
		cfg.Trading.EnablePreMarket, cfg.Trading.EnablePostMarket)
	if err != nil {
		return err
	}

	mon := monitor.New()
	notifier := notify.NewTelegram("", "", logger)
	if cfg.Telegram.Enabled {
		notifier = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
	}

	led := ledger.New(brk, logger)
	tracker := engine.NewTracker(logger)
	executor := engine.NewExecutor(brk, tracker, cfg.Trading.MaxPositionSize, logger)
	controller := engine.NewController(brk, led, tracker, executor, oracle, engine.Policy{
		SweepInterval:    cfg.SweepInterval(),
		LimitTimeout:     cfg.LimitOrderTimeout(),
		MaxResubmissions: cfg.Trading.MaxResubmissions,
	}, mon, notifier, logger)

	if err := controller.Bootstrap(ctx); err != nil {
		return fmt.Errorf("rebuilding state: %w", err)
	}
	mon.SetConnectionUp(true)

	intake := webhook.NewServer(webhook.Options{
		Host:            cfg.Webhook.Host,
		Port:            cfg.Webhook.Port,
		Secret:          cfg.Security.WebhookSecret,
		AllowedIPs:      cfg.Security.AllowedIPs,
		DefaultQuantity: cfg.Trading.DefaultQuantity,
	}, controller, logger)

	notifier.NotifyStartup(cfg.Environment.Mode)
	defer notifier.NotifyShutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return controller.HandleEvents(gctx) })
	g.Go(func() error { return controller.RunSweepLoop(gctx) })
	g.Go(func() error { return intake.Run(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Port, mon, logger) })
	}

	return g.Wait()
}

func sessionHours(cfg *config.Config) (market.Hours, error) {
	var hours market.Hours
	var err error
	if hours.PreStart, err = config.ParseClock(cfg.MarketHours.PreMarketStart); err != nil {
		return hours, err
	}
	if hours.RegularOpen, err = config.ParseClock(cfg.MarketHours.MarketOpen); err != nil {
		return hours, err
	}
	if hours.RegularEnd, err = config.ParseClock(cfg.MarketHours.MarketClose); err != nil {
		return hours, err
	}
	if hours.PostEnd, err = config.ParseClock(cfg.MarketHours.PostMarketEnd); err != nil {
		return hours, err
	}
	return hours, nil
}

func serveMetrics(ctx context.Context, port int, mon *monitor.Monitor, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mon.Handler())
	srv := &http.Server{
		Addr:              net.JoinHostPort("", fmt.Sprintf("%d", port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		return <-errCh
	}
}
