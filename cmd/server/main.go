package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tfolkman/omi-transcription/internal/batch"
	"github.com/tfolkman/omi-transcription/internal/config"
	"github.com/tfolkman/omi-transcription/internal/intake"
	"github.com/tfolkman/omi-transcription/internal/metrics"
	"github.com/tfolkman/omi-transcription/internal/mqtt"
	"github.com/tfolkman/omi-transcription/internal/pipeline"
	"github.com/tfolkman/omi-transcription/internal/queue"
	"github.com/tfolkman/omi-transcription/internal/server"
	"github.com/tfolkman/omi-transcription/internal/storage"
	"github.com/tfolkman/omi-transcription/internal/transcription"
	"github.com/tfolkman/omi-transcription/internal/usage"
)

const (
	serviceName    = "omi-transcription"
	serviceVersion = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to YAML configuration file (optional)")
	envFile := flag.String("env", ".env", "Path to dotenv file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("environment", cfg.Environment),
	)

	// Log configuration summary (without secrets)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("queue_dir", cfg.Queue.Dir),
		slog.Int("batch_duration_seconds", cfg.Queue.BatchInterval),
		slog.Int("max_batch_size_mb", cfg.Queue.MaxBatchSizeMB),
		slog.String("transcription_provider", cfg.Transcription.Provider),
		slog.String("transcription_model", cfg.Transcription.Model),
		slog.String("storage_backend", cfg.Storage.Backend),
		slog.String("bucket", cfg.Storage.Bucket),
		slog.Bool("mqtt_enabled", cfg.MQTT.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	store, err := newTranscriptStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize transcript storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	accountant, err := newAccountant(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize usage accounting", slog.String("error", err.Error()))
		os.Exit(1)
	}

	provider, err := transcription.NewProvider(transcription.Config{
		Provider:      cfg.Transcription.Provider,
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create transcription provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The queue reports crossing the size threshold to the scheduler, which
	// needs the queue to exist first.
	var scheduler *batch.Scheduler
	notify := func() {
		if scheduler != nil {
			scheduler.Trigger()
		}
	}

	audioQueue, err := queue.Open(cfg.Queue.Dir, logger,
		queue.WithThreshold(cfg.Queue.GetThresholdBytes(), notify))
	if err != nil {
		logger.Error("Failed to open audio queue", slog.String("error", err.Error()))
		os.Exit(1)
	}
	appMetrics.SetQueue(audioQueue.Depth(), audioQueue.PendingBytes())

	orchestrator := pipeline.New(audioQueue, provider, store, accountant, pipeline.Config{
		Timeout:     cfg.Transcription.GetTimeoutDuration(),
		MaxAttempts: cfg.Transcription.MaxAttempts,
		RatePerHour: cfg.Transcription.RatePerHour,
		Environment: cfg.Environment,
	}, logger, appMetrics)

	scheduler = batch.NewScheduler(audioQueue, orchestrator, batch.Config{
		Interval:       cfg.Queue.GetBatchInterval(),
		ThresholdBytes: cfg.Queue.GetThresholdBytes(),
	}, logger, appMetrics)

	intakeService := intake.NewService(audioQueue, logger, appMetrics)

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("Failed to start batch scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Units left over from a previous run may already exceed the threshold
	if audioQueue.PendingBytes() >= cfg.Queue.GetThresholdBytes() {
		scheduler.Trigger()
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		deps := server.Dependencies{
			Config:     cfg,
			Intake:     intakeService,
			Queue:      audioQueue,
			Store:      store,
			Accountant: accountant,
			Scheduler:  scheduler,
			Provider:   provider.Name(),
			Metrics:    appMetrics,
		}
		if client, ok := provider.(*transcription.Client); ok {
			deps.ProviderStats = client.GetStats
		}

		httpServer = server.NewHTTPServer(logger, deps)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	var subscriber *mqtt.Subscriber
	if cfg.MQTT.Enabled {
		subscriber = mqtt.NewSubscriber(cfg.MQTT, cfg.Audio, intakeService, logger)
		if err := subscriber.Start(); err != nil {
			logger.Error("Failed to start MQTT subscriber", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Int("pending_units", audioQueue.Depth()),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	// Stop intake first so nothing new is queued while the last job finishes
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	if subscriber != nil {
		subscriber.Stop()
	}

	// Cancelling the loop context interrupts an in-flight job; its unprocessed
	// units are released and stay on disk for the next start.
	cancel()
	if err := scheduler.Stop(); err != nil {
		logger.Error("Error stopping batch scheduler", slog.String("error", err.Error()))
	}

	stats := audioQueue.GetStats()
	snapshot := accountant.Snapshot()
	logger.Info("Final service statistics",
		slog.Int("pending_units", stats.Pending),
		slog.Int("failed_units", stats.Failed),
		slog.Int64("files_processed", snapshot.FilesProcessed),
		slog.Float64("cost_usd", snapshot.CostUSDTotal),
	)

	logger.Info("Service stopped")
}

// newTranscriptStore selects the transcript storage backend
func newTranscriptStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage.Backend == "memory" {
		logger.Warn("Using in-memory transcript storage, transcripts are lost on restart")
		return storage.NewMemoryStore(), nil
	}

	store, err := storage.NewR2Store(storage.R2Config{
		AccountID:       cfg.Storage.AccountID,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Bucket:          cfg.Storage.Bucket,
		Endpoint:        cfg.Storage.Endpoint,
		Secure:          !cfg.Storage.Insecure,
	}, logger)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// An unreachable bucket is not fatal: units wait in the queue until it recovers
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn("Transcript bucket not reachable at startup",
			slog.String("bucket", cfg.Storage.Bucket),
			slog.String("error", err.Error()),
		)
	}

	return store, nil
}

// newAccountant creates the usage accountant, backed by Redis when configured
func newAccountant(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*usage.Accountant, error) {
	if cfg.Usage.RedisAddr == "" {
		logger.Info("Usage totals kept in memory only")
		return usage.NewAccountant(logger), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Usage.RedisAddr,
		Password: cfg.Usage.RedisPassword,
		DB:       cfg.Usage.RedisDB,
	})

	redisStore := usage.NewRedisStore(client, cfg.Usage.KeyPrefix)
	accountant := usage.NewAccountant(logger, usage.WithStore(redisStore))

	restoreCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := accountant.Restore(restoreCtx); err != nil {
		return nil, fmt.Errorf("failed to restore usage totals from %s: %w", cfg.Usage.RedisAddr, err)
	}

	logger.Info("Usage totals restored",
		slog.String("redis_addr", cfg.Usage.RedisAddr),
		slog.Int64("files_processed", accountant.Snapshot().FilesProcessed),
	)

	return accountant, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
