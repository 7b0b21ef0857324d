package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailriver/internal/api"
	"mailriver/internal/capacity"
	"mailriver/internal/config"
	"mailriver/internal/db"
	"mailriver/internal/email"
	"mailriver/internal/links"
	"mailriver/internal/metrics"
	"mailriver/internal/pipeline"
	"mailriver/internal/render"
	"mailriver/internal/send"
	"mailriver/internal/worker"
)

func main() {

	_ = godotenv.Load()

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Pipeline stages
	// ------------------------------------------------
	linkGen := links.NewGenerator(cfg.UnsubscribeBaseURL, []byte(cfg.UnsubscribeSecret))

	renderStage := render.NewStage(
		store,
		render.GoTemplateRenderer{},
		store,
		linkGen,
		logger,
		cfg.RenderBatchSize,
		cfg.RenderConcurrency,
	)

	capacityProvider := capacity.NewWarmupProvider(
		store,
		cfg.CapacityBaseRate,
		cfg.CapacityMaxRate,
		cfg.CapacityWindow,
	)

	planner := send.NewPlanner(store, capacityProvider, logger)

	transport := email.NewSMTPSender(
		cfg.SMTPHost,
		cfg.SMTPPort,
		cfg.SMTPUser,
		cfg.SMTPPassword,
		cfg.RetryAttempts,
	)

	limiter := rate.NewLimiter(rate.Limit(cfg.GlobalSendRate), cfg.GlobalSendRate)

	executor := send.NewExecutor(store, transport, limiter, logger, cfg.SendConcurrency)

	driver := pipeline.NewDriver(
		store,
		renderStage,
		planner,
		executor,
		logger,
		cfg.StuckThreshold,
		cfg.FirstRunDelta,
	)

	// ------------------------------------------------
	// Pipeline Ticker
	// ------------------------------------------------
	var wg sync.WaitGroup

	worker.RunTicker(ctx, &wg, cfg.TickInterval, driver, logger)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store: store,
		Log:   logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Router(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Wait for the in-flight tick to finish
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
