package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"homeward/internal/config"
	"homeward/internal/events"
	"homeward/internal/journal"
	"homeward/internal/ledger"
	"homeward/internal/lifecycle"
	"homeward/internal/logging"
	"homeward/internal/readmodel"
	"homeward/internal/server"
	"homeward/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.Service.Environment, cfg.Service.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, logger)
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
				defer cancel()
				_ = tp.Shutdown(sctx)
			}()
		}
	}

	health := make(map[string]server.Pinger)

	client, closeClient := buildLedger(ctx, cfg, logger)
	defer closeClient()
	health["ledger"] = client

	store, closeStore := buildStore(cfg, logger, health)
	defer closeStore()
	cache := readmodel.New(client, cfg.Deployment.Contracts.Remittance, cfg.Chain.Decimals,
		readmodel.WithStore(store),
		readmodel.WithLogger(logger),
	)

	j, closeJournal := buildJournal(ctx, cfg, logger, health)
	defer closeJournal()

	manager := lifecycle.NewManager(client, lifecycle.Config{
		Contract:              cfg.Deployment.Contracts.Remittance,
		Decimals:              cfg.Chain.Decimals,
		PendingNotifyInterval: cfg.Chain.PendingNotifyInterval,
		ReceiptTimeout:        cfg.Chain.ReceiptTimeout,
		ReceiptRetryInterval:  cfg.Chain.ReceiptPollInterval,
	},
		lifecycle.WithInvalidator(cache),
		lifecycle.WithRecorder(j),
		lifecycle.WithLogger(logger),
	)

	publisher := buildPublisher(cfg, logger)
	defer publisher.Close()
	forwarder := events.NewForwarder(publisher, logger)
	forwardDone := make(chan struct{})
	allEvents := manager.Subscribe(nil)
	go func() {
		defer close(forwardDone)
		forwarder.Run(context.Background(), allEvents)
	}()

	pending, err := j.Pending(ctx)
	if err != nil {
		logger.Warn("journal pending lookup failed, earlier receipt waits not resumed", zap.Error(err))
	} else if n := manager.Resume(pending); n > 0 {
		logger.Info("resumed receipt waits", zap.Int("count", n))
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Manager: manager,
		Cache:   cache,
		Journal: j,
		Logger:  logger,
		Health:  health,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := manager.Close(sctx); err != nil {
		logger.Warn("lifecycle shutdown", zap.Error(err))
	}
	<-forwardDone
}

func buildLedger(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*ledger.BreakerClient, func()) {
	breakerCfg := ledger.BreakerConfig{
		Timeout:             cfg.Chain.BreakerTimeout,
		ConsecutiveFailures: cfg.Chain.BreakerFailures,
	}

	if cfg.Chain.PrivateKey == "" {
		logger.Warn("no signing key configured, using the in-process ledger")
		return ledger.NewBreakerClient(ledger.NewFakeClient(), breakerCfg, logger), func() {}
	}

	eth, err := ledger.NewEthClient(ctx, ledger.EthClientConfig{
		RPCURL:        cfg.Chain.RPCURL,
		PrivateKeyHex: cfg.Chain.PrivateKey,
		PollInterval:  cfg.Chain.ReceiptPollInterval,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("ledger client error", zap.Error(err))
	}
	return ledger.NewBreakerClient(eth, breakerCfg, logger), eth.Close
}

func buildStore(cfg *config.AppConfig, logger *zap.Logger, health map[string]server.Pinger) (readmodel.Store, func()) {
	if cfg.Cache.Driver != "redis" {
		return readmodel.NewMemoryStore(), func() {}
	}
	rs, err := readmodel.NewRedisStoreFromURL(cfg.Cache.RedisURL, cfg.Cache.Prefix, logger)
	if err != nil {
		logger.Fatal("redis store error", zap.Error(err))
	}
	health["cache"] = rs
	return rs, func() { _ = rs.Close() }
}

func buildJournal(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger, health map[string]server.Pinger) (journal.Journal, func()) {
	switch cfg.Database.JournalDriver {
	case "postgres":
		pj, err := journal.NewPostgresJournal(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			logger.Fatal("journal error", zap.Error(err))
		}
		health["journal"] = pj
		return pj, pj.Close
	case "memory":
		return journal.NewMemoryJournal(), func() {}
	default:
		fj, err := journal.NewFileJournal(cfg.Database.JournalPath)
		if err != nil {
			logger.Fatal("journal error", zap.Error(err))
		}
		return fj, func() { _ = fj.Close() }
	}
}

func buildPublisher(cfg *config.AppConfig, logger *zap.Logger) events.Publisher {
	if cfg.Broker.URL == "" {
		return &events.NoopPublisher{Logger: logger}
	}
	p, err := events.NewAMQPPublisher(cfg.Broker.URL, cfg.Broker.Exchange, logger)
	if err != nil {
		logger.Warn("event broker unavailable, lifecycle events will not be published", zap.Error(err))
		return &events.NoopPublisher{Logger: logger}
	}
	return p
}
