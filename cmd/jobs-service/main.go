// jobs-service is the HTTP API server for image-to-mesh jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"meshjobs/internal/api"
	"meshjobs/internal/artifact"
	"meshjobs/internal/auth"
	"meshjobs/internal/backend"
	"meshjobs/internal/backfill"
	"meshjobs/internal/config"
	"meshjobs/internal/database"
	"meshjobs/internal/health"
	"meshjobs/internal/job"
	"meshjobs/internal/ledger"
	"meshjobs/internal/observability"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := config.LoadFile(os.Getenv("CONFIG_FILE")); err != nil {
		return err
	}

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	if err := svcCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	backendCfg := backend.LoadConfigFromEnv()
	backfillCfg := backfill.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	metrics.BackfillBufferSize = int64(backfillCfg.BufferSize)

	gate, err := newGate(svcCfg)
	if err != nil {
		return err
	}

	// Durable state: Postgres when configured, otherwise process memory.
	var pool *pgxpool.Pool
	if svcCfg.DatabaseURL != "" {
		dbCfg := database.LoadConfigFromEnv()
		dbCfg.URL = svcCfg.DatabaseURL
		pool, err = database.NewPool(ctx, dbCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		slog.Info("Connected to database")
	}

	var jobLedger interface {
		job.Ledger
		backfill.Inserter
	}
	if pool != nil {
		jobLedger = ledger.NewPostgres(pool)
	} else {
		jobLedger = ledger.NewMemory()
		slog.Warn("DATABASE_URL not set - job records are kept in memory and lost on restart")
	}

	var store job.ArtifactStore
	switch svcCfg.ArtifactBackend {
	case config.ArtifactBackendPostgres:
		store = artifact.NewPostgresStore(pool)
	default:
		fs, err := artifact.NewFileStore(svcCfg.ArtifactDir)
		if err != nil {
			return err
		}
		store = fs
	}
	slog.Info("Artifact store ready", "backend", svcCfg.ArtifactBackend)

	client, err := backend.New(backendCfg, metrics)
	if err != nil {
		return err
	}

	queue := backfill.New(jobLedger, backfillCfg, metrics)

	jobService, err := job.NewService(job.Dependencies{
		Backend:  client,
		Ledger:   jobLedger,
		Store:    store,
		Backfill: queue,
		Metrics:  metrics,
	}, job.Config{
		MaxUploadBytes:     svcCfg.MaxUploadBytes,
		StatusTimeout:      svcCfg.StatusTimeout,
		PersistTimeout:     svcCfg.PersistTimeout,
		StaleAfterFailures: svcCfg.StaleAfterFailures,
		FailureWindow:      svcCfg.FailureWindow,
	})
	if err != nil {
		return err
	}

	// The backend is non-critical: status and downloads keep working from
	// the ledger and artifact store while it is down.
	healthChecker := health.NewChecker(
		health.Dependency{Name: "ledger", Checker: jobLedger, Critical: true},
		health.Dependency{Name: "artifacts", Checker: store, Critical: true},
		health.Dependency{Name: "backend", Checker: client},
	)

	router := api.NewRouter(api.RouterConfig{
		JobService:     jobService,
		Metrics:        metrics,
		HealthChecker:  healthChecker,
		Gate:           gate,
		MaxUploadBytes: svcCfg.MaxUploadBytes,
	})

	// Create API server. Uploads and downloads stream, so the write
	// timeout has to cover a full artifact transfer.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		queue.Close(context.Background())
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: write deferred ledger inserts while the ledger is still open
	slog.Info("Draining backfill queue")
	backfillCtx, backfillCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer backfillCancel()
	if err := queue.Close(backfillCtx); err != nil {
		slog.Warn("Backfill shutdown error", "error", err)
	}

	stats := queue.Stats()
	slog.Info("Backfill stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"pending", stats.Pending,
	)
	if stats.Pending > 0 {
		slog.Error("Jobs accepted by the backend were not recorded", "count", stats.Pending)
	}

	slog.Info("Shutdown complete")
	return nil
}

// newGate builds the credential gate from whichever of JWT and API keys
// are configured. Validate guarantees at least one.
func newGate(cfg *config.ServiceConfig) (auth.Gate, error) {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		g, err := auth.NewJWTGate([]byte(cfg.JWTSecret), cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		chain = append(chain, g)
		slog.Info("JWT authentication enabled", "issuer", cfg.JWTIssuer)
	}
	if cfg.APIKeysFile != "" {
		g, err := auth.LoadKeyGate(cfg.APIKeysFile)
		if err != nil {
			return nil, err
		}
		chain = append(chain, g)
		slog.Info("API key authentication enabled", "file", cfg.APIKeysFile)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
