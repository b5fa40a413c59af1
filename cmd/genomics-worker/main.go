// Package main provides the genomics import worker. It consumes VCF import
// requests from Redpanda and stores the results against patients.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/app"
	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
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
	tp, err := app.InitTracing(ctx, cfg, "genomics-worker")
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())
	metrics.Register(prometheus.DefaultRegisterer)

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	engine := app.NewEngine(st, cfg, logger)
	jobs, err := app.NewGenomicsJobs(engine, cfg, logger)
	if err != nil {
		logger.Fatal("genomics jobs init failed", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.RedpandaBrokers
	dlq, err := redpanda.NewProducer(producerCfg, logger.Named("dead-letter"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer dlq.Close()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.RedpandaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, redpanda.GenomicsHandler(jobs, dlq, logger), logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("genomics worker started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", cfg.GenomicsWorkers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := jobs.Stop(); err != nil {
		logger.Warn("genomics jobs did not drain", zap.Error(err))
	}
	stats := consumer.Stats()
	logger.Info("genomics worker stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}
