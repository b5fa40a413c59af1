// Package main provides the audit relay entry point. It publishes committed
// workflow events from the outbox table to Redpanda.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/app"
	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/outbox"
	"github.com/drfirst/go-rxfill/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	tp, err := app.InitTracing(ctx, cfg, "audit-relay")
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())
	metrics.Register(prometheus.DefaultRegisterer)

	if cfg.DBDriver == config.DriverMemory {
		logger.Fatal("audit relay needs a shared database; DB_DRIVER=memory is not supported")
	}
	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	admin, err := redpanda.NewAdmin(cfg.RedpandaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(tctx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}
	cancel()
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.RedpandaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.RedpandaBrokers))

	relay := outbox.NewRelay(store.OutboxRunner(st), producer, outbox.DefaultConfig(), logger.Named("outbox"))
	relay.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	relay.Stop()
	stats := producer.Stats()
	logger.Info("audit relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("errors", stats.ErrorCount))
}
