package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	// Server
	ServerPort      string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string // json | text

	// Local filesystem
	UploadsDir string
	WorkDir    string

	// Database (empty keeps the weights ledger in memory)
	DatabaseURL string

	// Replicate
	ReplicateAPIToken string
	ReplicateBaseURL  string
	TrainerConfigFile string

	// AWS S3 (weights, and bundles when MinIO is not configured)
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	S3Bucket           string
	S3Endpoint         string
	S3UsePathStyle     bool
	S3PublicBaseURL    string
	UploadPartSizeMB   int
	UploadConcurrency  int

	// MinIO (bundles)
	MinioEndpoint      string
	MinioAccessKey     string
	MinioSecretKey     string
	MinioBucket        string
	MinioUseSSL        bool
	MinioPublicBaseURL string

	// Redis (cross-replica weights lock)
	RedisAddr string
	RedisDB   int
	LockTTL   time.Duration

	// RabbitMQ (weights notifications)
	RabbitMQURL        string
	RabbitMQExchange   string
	RabbitMQRoutingKey string

	// Weights pipeline
	FetchTimeout    time.Duration
	ExtractTimeout  time.Duration
	UploadTimeout   time.Duration
	RunTimeout      time.Duration
	MaxSearchDepth  int
	MonitorInterval time.Duration
}

// Load loads configuration from a .env file, when present, and environment
// variables. Variables already set in the environment win over the file.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	return &Config{
		ServerPort:      getEnv("SERVER_PORT", getEnv("PORT", "3000")),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),

		UploadsDir: getEnv("UPLOADS_DIR", "uploads"),
		WorkDir:    getEnv("WORK_DIR", filepath.Join(os.TempDir(), "lora-weights")),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		ReplicateAPIToken: getEnv("REPLICATE_API_TOKEN", ""),
		ReplicateBaseURL:  getEnv("REPLICATE_BASE_URL", "https://api.replicate.com"),
		TrainerConfigFile: getEnv("TRAINER_CONFIG_FILE", ""),

		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3Bucket:           getEnv("AWS_BUCKET_NAME", ""),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle:     getBoolEnv("S3_USE_PATH_STYLE", false),
		S3PublicBaseURL:    getEnv("S3_PUBLIC_BASE_URL", ""),
		UploadPartSizeMB:   getIntEnv("UPLOAD_PART_SIZE_MB", 5),
		UploadConcurrency:  getIntEnv("UPLOAD_CONCURRENCY", 4),

		MinioEndpoint:      getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:        getEnv("MINIO_BUCKET", "lora-bundles"),
		MinioUseSSL:        getBoolEnv("MINIO_USE_SSL", false),
		MinioPublicBaseURL: getEnv("MINIO_PUBLIC_BASE_URL", ""),

		RedisAddr: getEnv("REDIS_ADDR", ""),
		RedisDB:   getIntEnv("REDIS_DB", 0),
		LockTTL:   getDurationEnv("LOCK_TTL", time.Hour),

		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:   getEnv("RABBITMQ_EXCHANGE", "lora"),
		RabbitMQRoutingKey: getEnv("RABBITMQ_ROUTING_KEY", "weights.processed"),

		FetchTimeout:    getDurationEnv("FETCH_TIMEOUT", 15*time.Minute),
		ExtractTimeout:  getDurationEnv("EXTRACT_TIMEOUT", 10*time.Minute),
		UploadTimeout:   getDurationEnv("UPLOAD_TIMEOUT", 15*time.Minute),
		RunTimeout:      getDurationEnv("PIPELINE_TIMEOUT", 45*time.Minute),
		MaxSearchDepth:  getIntEnv("MAX_SEARCH_DEPTH", 32),
		MonitorInterval: getDurationEnv("MONITOR_INTERVAL", 30*time.Second),
	}
}

// Validate reports settings without which the service cannot run.
func (c *Config) Validate() error {
	var errs []error
	if c.ReplicateAPIToken == "" {
		errs = append(errs, errors.New("REPLICATE_API_TOKEN is required"))
	}
	if c.S3Bucket == "" {
		errs = append(errs, errors.New("AWS_BUCKET_NAME is required"))
	}
	if c.RunTimeout < c.FetchTimeout+c.ExtractTimeout+c.UploadTimeout {
		slog.Warn("PIPELINE_TIMEOUT is shorter than the sum of the stage timeouts", "pipelineTimeout", c.RunTimeout)
	}
	if c.RedisAddr != "" && c.LockTTL < c.RunTimeout {
		errs = append(errs, errors.New("LOCK_TTL must be at least PIPELINE_TIMEOUT"))
	}
	return errors.Join(errs...)
}

// LogLevelValue maps LogLevel to a slog level.
func (c *Config) LogLevelValue() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
