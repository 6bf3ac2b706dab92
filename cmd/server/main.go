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

	"github.com/maneesh/filevault/internal/config"
	"github.com/maneesh/filevault/internal/handlers"
	"github.com/maneesh/filevault/internal/lifecycle"
	"github.com/maneesh/filevault/internal/storage"
	"github.com/maneesh/filevault/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("filevault service stopped", "error", err)
		os.Exit(1)
	}
}

// run owns every resource so that deferred cleanup happens before main exits.
func run() error {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.GetLogLevel()}))
	slog.SetDefault(logger)

	logger.Info("starting filevault service",
		"service", cfg.ServiceName,
		"port", cfg.ServicePort,
		"blob_backend", cfg.BlobBackend,
	)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(startupCtx, cfg.ServiceName, cfg.GetTracingEndpoint(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Error("error shutting down tracer", "error", err)
		}
	}()

	// Initialize TiDB client
	logger.Info("connecting to TiDB", "host", cfg.TiDBHost, "port", cfg.TiDBPort)
	tidbClient, err := storage.NewTiDBClient(cfg.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to initialize TiDB client: %w", err)
	}
	defer tidbClient.Close()

	if err := tidbClient.Migrate(startupCtx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	logger.Info("TiDB client initialized")

	blobs, err := newBlobStore(startupCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize %s blob store: %w", cfg.BlobBackend, err)
	}

	// Redis is optional; lookups fall through to TiDB without it
	var cache lifecycle.Cache = storage.NoopCache{}
	if cfg.CacheEnabled {
		logger.Info("connecting to Redis", "addr", cfg.GetRedisAddr())
		redisClient, err := storage.NewRedisClient(startupCtx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis client: %w", err)
		}
		defer redisClient.Close()
		cache = redisClient
		logger.Info("Redis client initialized")
	}

	service := lifecycle.NewService(tidbClient, blobs, cache, logger, lifecycle.Options{
		RetainDeletedBlobs: cfg.RetainDeletedBlobs,
	})

	router := handlers.NewRouter(service, logger, cfg.GetMaxUploadBytes())

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server exited")
	return runErr
}

func newBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lifecycle.BlobStore, error) {
	switch cfg.BlobBackend {
	case config.BlobBackendMinIO:
		logger.Info("connecting to MinIO", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucketName)
		return storage.NewMinioClient(ctx,
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
			logger,
		)
	default:
		logger.Info("using local upload directory", "dir", cfg.UploadDir)
		return storage.NewDiskStore(cfg.UploadDir)
	}
}
