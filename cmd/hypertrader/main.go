package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/flyingwolf1701/hypertrader/internal/alert"
	"github.com/flyingwolf1701/hypertrader/internal/audit"
	"github.com/flyingwolf1701/hypertrader/internal/config"
	"github.com/flyingwolf1701/hypertrader/internal/core"
	"github.com/flyingwolf1701/hypertrader/internal/engine"
	"github.com/flyingwolf1701/hypertrader/internal/feed"
	"github.com/flyingwolf1701/hypertrader/internal/metrics"
	"github.com/flyingwolf1701/hypertrader/internal/mock"
	"github.com/flyingwolf1701/hypertrader/pkg/logging"
	"github.com/flyingwolf1701/hypertrader/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/hypertrader.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hypertrader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.SetGlobalLogger(logger)

	logger.Info("Starting hypertrader",
		"version", version,
		"symbol", cfg.Strategy.Symbol,
		"gateway", cfg.Exchange.Gateway,
	)

	tel, err := telemetry.Setup("hypertrader")
	if err != nil {
		logger.Warn("Failed to initialize telemetry", "error", err)
	}
	meter := telemetry.GetMeter("hypertrader")
	if err := telemetry.GetGlobalMetrics().InitMetrics(meter); err != nil {
		logger.Warn("Failed to initialize metrics instruments", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerter := alert.NewManager(logger)
	if cfg.Alerting.Enabled && cfg.Alerting.WebhookURL != "" {
		alerter.AddChannel(alert.NewWebhookChannel(cfg.Alerting.WebhookURL.Reveal()))
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open snapshot store", "error", err)
	}
	defer closeStore()

	gateway := mock.NewGateway()
	priceFeed := buildFeed(cfg, logger)

	eng, err := engine.New(cfg, gateway, priceFeed, store, alerter, logger)
	if err != nil {
		logger.Fatal("Failed to build engine", "error", err)
	}

	unitSize := decimal.NewFromFloat(cfg.Strategy.UnitSize)
	auditor := audit.NewAuditor(audit.Config{
		Interval:       time.Duration(cfg.Timing.AuditIntervalSeconds) * time.Second,
		Cooldown:       time.Duration(cfg.Timing.AuditCooldownSeconds) * time.Second,
		VerifyDelay:    time.Duration(cfg.Timing.AuditVerifyDelaySeconds) * time.Second,
		PriceTolerance: unitSize.Div(decimal.NewFromInt(4)),
	}, gateway, eng, eng, logger)

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, eng, logger)
		metricsServer.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := eng.Start(gctx); err != nil {
			return fmt.Errorf("engine start: %w", err)
		}
		<-gctx.Done()
		return eng.Stop()
	})

	g.Go(func() error {
		if err := auditor.Start(gctx); err != nil {
			return fmt.Errorf("auditor start: %w", err)
		}
		<-gctx.Done()
		return auditor.Stop()
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("Shutdown with error", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Stop(shutdownCtx)
		shutdownCancel()
	}
	if tel != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tel.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logger.Info("Shutdown complete")
}

func buildStore(cfg *config.Config) (core.IStateStore, func(), error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := engine.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return engine.NewMemoryStore(), func() {}, nil
	}
}

func buildFeed(cfg *config.Config, logger core.ILogger) core.IPriceFeed {
	if cfg.Exchange.Gateway == "paper" {
		return feed.NewWSFeed(feed.WSFeedConfig{
			Symbol:        cfg.Strategy.Symbol,
			URL:           cfg.Exchange.WSUrl,
			Staleness:     time.Duration(cfg.Timing.PriceStalenessMs) * time.Millisecond,
			ReconnectWait: time.Duration(cfg.Timing.WebsocketReconnectDelay) * time.Second,
			PingInterval:  time.Duration(cfg.Timing.WebsocketPingInterval) * time.Second,
			PongWait:      time.Duration(cfg.Timing.WebsocketPongWait) * time.Second,
		}, logger)
	}
	logger.Warn("Mock gateway configured, price feed expects external ticks")
	return feed.NewChannelFeed(64)
}
