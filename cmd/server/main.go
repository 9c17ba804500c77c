package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"lora-orchestrator/api/rest/handlers"
	"lora-orchestrator/api/rest/routes"
	"lora-orchestrator/config"
	"lora-orchestrator/core/artifact"
	"lora-orchestrator/core/lock"
	"lora-orchestrator/core/monitoring"
	"lora-orchestrator/core/pipeline"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/core/spec"
	"lora-orchestrator/core/training"
	"lora-orchestrator/providers/aws"
	"lora-orchestrator/providers/minio"
	"lora-orchestrator/providers/rabbitmq"
	"lora-orchestrator/providers/replicate"
	"lora-orchestrator/storage"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server exited")
}

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevelValue()}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.UploadsDir, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	metrics, metricsHandler, err := monitoring.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Weights ledger
	var (
		artifacts storage.ArtifactStore
		events    storage.EventStore
	)
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		artifacts = repository.NewArtifactRepository(db)
		events = repository.NewEventRepository(db)
		slog.Info("Database connected successfully")
	} else {
		artifacts = repository.NewMemoryArtifactRepository()
		events = repository.NewMemoryEventRepository()
		slog.Warn("DATABASE_URL not set, processed weights are kept in memory only")
	}
	weights := storage.NewWeightsManager(artifacts, events)

	// Blob stores
	s3Client, err := aws.NewS3Client(ctx, aws.ClientOptions{
		Region:          cfg.AWSRegion,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		Endpoint:        cfg.S3Endpoint,
		UsePathStyle:    cfg.S3UsePathStyle,
	})
	if err != nil {
		return err
	}
	uploader := aws.NewChunkedUploader(s3Client, aws.UploaderOptions{
		Bucket:        cfg.S3Bucket,
		Region:        cfg.AWSRegion,
		PublicBaseURL: cfg.S3PublicBaseURL,
		PartSize:      int64(cfg.UploadPartSizeMB) << 20,
		Concurrency:   cfg.UploadConcurrency,
	})

	var bundles storage.BlobStore = uploader
	if cfg.MinioEndpoint != "" {
		minioClient, err := minio.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return err
		}
		baseURL := cfg.MinioPublicBaseURL
		if baseURL == "" {
			baseURL = minio.DefaultPublicBaseURL(cfg.MinioEndpoint, cfg.MinioBucket, cfg.MinioUseSSL)
		}
		bundles = minio.NewBundleStore(minioClient, cfg.MinioBucket, baseURL)
		slog.Info("Training bundles stored in MinIO", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
	}

	// Per-job lock
	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		redisClient, err := lock.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, "lora:weights:", cfg.LockTTL)
		slog.Info("Using Redis weights lock", "addr", cfg.RedisAddr)
	}

	// Notifications
	var notifier monitoring.Notifier
	if cfg.RabbitMQURL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		publisher, err := rabbitmq.NewPublisher(conn, cfg.RabbitMQExchange, cfg.RabbitMQRoutingKey)
		if err != nil {
			return err
		}
		defer publisher.Close()
		notifier = publisher
		slog.Info("Publishing weights notifications", "exchange", cfg.RabbitMQExchange)
	}

	presets, err := spec.LoadTrainerSpec(cfg.TrainerConfigFile)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	replicateClient := replicate.NewClient(cfg.ReplicateBaseURL, cfg.ReplicateAPIToken, httpClient)

	orchestrator := pipeline.NewOrchestrator(
		artifact.NewFetcher(&http.Client{}), // bounded by FetchTimeout
		artifact.NewExtractor(),
		uploader,
		metrics,
		pipeline.Options{
			WorkDir:        cfg.WorkDir,
			FetchTimeout:   cfg.FetchTimeout,
			ExtractTimeout: cfg.ExtractTimeout,
			UploadTimeout:  cfg.UploadTimeout,
			MaxSearchDepth: cfg.MaxSearchDepth,
		},
	)

	monitor := monitoring.NewJobMonitor(replicateClient, orchestrator, weights, locker, notifier, metrics, monitoring.Options{
		RunTimeout:   cfg.RunTimeout,
		PollInterval: cfg.MonitorInterval,
	})
	go monitor.Start(ctx)

	trainingService := training.NewService(
		replicateClient,
		bundles,
		training.NewBundler(cfg.UploadsDir),
		presets,
		artifacts,
		monitor,
		metrics,
	)
	preview := training.NewPreviewGenerator(replicateClient, presets, httpClient)

	router := routes.NewRouter(routes.Config{
		Jobs:           handlers.NewJobHandler(monitor, trainingService, preview, training.NewImageStore(cfg.UploadsDir)),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		UploadsDir:     cfg.UploadsDir,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "port", cfg.ServerPort, "uploadsDir", cfg.UploadsDir)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
