// Package app wires configuration into the stores, clients and engine shared
// by the rxfill binaries
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/infrastructure/mysql"
	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/observability/tracing"
	"github.com/drfirst/go-rxfill/internal/pharmgkb"
	"github.com/drfirst/go-rxfill/internal/store"
	"github.com/drfirst/go-rxfill/internal/store/memstore"
	"github.com/drfirst/go-rxfill/internal/workflow"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
	"github.com/drfirst/go-rxfill/pkg/workerpool"
)

// Store is a store.Store that can create its own schema
type Store interface {
	store.Store
	Migrate(ctx context.Context) error
}

// NewLogger builds the production logger, or the development logger for
// LOG_LEVEL=debug
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDebug() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// OpenStore connects the configured storage driver
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, postgres.Config{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverMySQL:
		st, err := mysql.Open(ctx, mysql.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Name:     cfg.DBName,
			MaxConns: int(cfg.DBMaxConns),
			MinConns: int(cfg.DBMinConns),
		}, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}

// NewEngine builds the workflow engine from configuration
func NewEngine(st store.Store, cfg *config.Config, logger *zap.Logger) *workflow.Engine {
	mode := audit.BestEffort
	if cfg.AuditStrict {
		mode = audit.Strict
	}
	return workflow.NewEngine(st, workflow.Config{
		StoreNumber:   cfg.StoreNumber,
		RxStoreNumber: cfg.RxStoreNumber,
		PageSize:      cfg.PageSize,
	}, audit.NewLog(mode, logger.Named("audit")), logger.Named("workflow"))
}

// NewProcessor builds the VCF processor backed by the PharmGKB client. The
// client's breaker state is exported as a metric.
func NewProcessor(cfg *config.Config, logger *zap.Logger) (*genomics.Processor, error) {
	bcfg := circuitbreaker.DefaultConfig("pharmgkb")
	bcfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, string(to))
	}
	breaker, err := circuitbreaker.New(bcfg, logger.Named("breaker"))
	if err != nil {
		return nil, fmt.Errorf("create pharmgkb breaker: %w", err)
	}
	client := pharmgkb.NewClient(pharmgkb.Config{
		BaseURL: cfg.PharmGKBBaseURL,
		Timeout: cfg.PharmGKBTimeout,
	}, breaker, logger.Named("pharmgkb"))
	return genomics.NewProcessor(client, logger.Named("genomics")), nil
}

// NewGenomicsJobs starts the background VCF job runner with
// GENOMICS_WORKERS workers
func NewGenomicsJobs(engine *workflow.Engine, cfg *config.Config, logger *zap.Logger) (*workflow.GenomicsJobs, error) {
	processor, err := NewProcessor(cfg, logger)
	if err != nil {
		return nil, err
	}
	pcfg := workerpool.DefaultConfig()
	pcfg.Workers = cfg.GenomicsWorkers
	return workflow.NewGenomicsJobs(engine, processor, pcfg, logger.Named("genomics-jobs"))
}

// InitTracing installs the tracer provider for a binary. Spans are exported
// only when OTEL_ENDPOINT is set.
func InitTracing(ctx context.Context, cfg *config.Config, service string) (*tracing.Provider, error) {
	tcfg := tracing.DefaultConfig(service)
	tcfg.OTLPEndpoint = cfg.OTELEndpoint
	return tracing.Init(ctx, tcfg)
}
