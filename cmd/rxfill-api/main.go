// Package main provides the pharmacy workflow API entry point
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/handlers"
	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/app"
	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/store"
	"github.com/drfirst/go-rxfill/internal/workflow"
)

const serviceName = "rxfill-api"

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
	tp, err := app.InitTracing(ctx, cfg, serviceName)
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
	logger.Info("connected to store", zap.String("driver", cfg.DBDriver))

	engine := app.NewEngine(st, cfg, logger)
	engine.Inbox().StartCleanup(store.InboxRunner(st))
	defer engine.Inbox().Stop()

	jobs, err := app.NewGenomicsJobs(engine, cfg, logger)
	if err != nil {
		logger.Fatal("genomics jobs init failed", zap.Error(err))
	}

	h := handlers.New(engine, jobs, logger.Named("http"))

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// no auth
	r.Get("/health", healthHandler(jobs))
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.With(middleware.APIKeyAuth(cfg.APIKeys), middleware.Operator).Mount("/api/v1", h.Routes())

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	if len(cfg.APIKeys) == 0 {
		logger.Warn("API_KEYS is empty; authentication is disabled")
	}
	logger.Info("starting rxfill API", zap.String("port", cfg.HTTPPort))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	if err := jobs.Stop(); err != nil {
		logger.Warn("genomics jobs did not drain", zap.Error(err))
	}
	logger.Info("server stopped")
}

func healthHandler(jobs *workflow.GenomicsJobs) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		genomicsQueue := "ok"
		if jobs.Saturated() {
			genomicsQueue = "saturated"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":         "healthy",
			"service":        serviceName,
			"genomics_queue": genomicsQueue,
		})
	}
}
