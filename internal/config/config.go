package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Storage drivers
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	ServiceName string `validate:"required"`
	ServicePort int    `validate:"gte=0,lte=65535"`
	NodeID      int64  `validate:"gte=0,lte=1023"`
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Redis       RedisConfig
	Flow        FlowConfig
	Pour        PourConfig
	Session     SessionConfig
	Pipeline    PipelineConfig
	Publisher   PublisherConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `validate:"oneof=postgres memory"`
	URL    string `validate:"required_if=Driver postgres"`
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string `validate:"required"`
	IngestExchange   string `validate:"required"`
	IngestQueue      string `validate:"required"`
	IngestRoutingKey string `validate:"required"`
	WorkerExchange   string `validate:"required"`
	WorkerRoutingKey string `validate:"required"`
	DLQQueue         string `validate:"required"`
	PrefetchCount    int    `validate:"gte=1"`
}

// RedisConfig enables the distributed subject lock when URL is set
type RedisConfig struct {
	URL     string
	LockTTL time.Duration `validate:"gt=0"`
}

// FlowConfig holds flow tracker settings
type FlowConfig struct {
	IdleTimeout               time.Duration `validate:"gt=0"`
	IdleMarkAfter             time.Duration `validate:"gt=0,ltefield=IdleTimeout"`
	SweepInterval             time.Duration `validate:"gt=0"`
	QueueSize                 int           `validate:"gte=1"`
	TimestampToleranceMinutes int           `validate:"gte=0"`
}

// PourConfig holds pour validation settings
type PourConfig struct {
	MaxTicks         int64   `validate:"gt=0"`
	DefaultMlPerTick float64 `validate:"gt=0"`
}

// SessionConfig holds drinking session grouping settings
type SessionConfig struct {
	IdleGap time.Duration `validate:"gt=0"`
	Scope   string        `validate:"oneof=global tap"`
}

// PipelineConfig holds pour commit pool and repair settings
type PipelineConfig struct {
	Workers         int           `validate:"gte=1"`
	QueueSize       int           `validate:"gte=1"`
	RepairInterval  time.Duration `validate:"gt=0"`
	RepairBatchSize int           `validate:"gte=1"`
}

// PublisherConfig holds the pour-recorded publisher circuit breaker settings
type PublisherConfig struct {
	BreakerFailures uint32        `validate:"gte=1"`
	BreakerTimeout  time.Duration `validate:"gt=0"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAdmin loads configuration for operator tooling, which never talks to
// the broker: RabbitMQ settings are not validated.
func LoadAdmin() (*Config, error) {
	cfg := load()
	err := validator.New().StructFiltered(cfg, func(ns []byte) bool {
		return bytes.Contains(ns, []byte(".RabbitMQ"))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid configuration (check environment variables): %w", err)
	}
	return cfg, nil
}

func load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "tapflow-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8081),
		NodeID:      int64(getEnvAsInt("NODE_ID", 1)),
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", StoragePostgres)),
			URL:    getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "tapflow.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "tapflow.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "tap.meter.#"),
			WorkerExchange:   getEnv("RABBITMQ_WORKER_EXCHANGE", "tapflow.worker.events.exchange"),
			WorkerRoutingKey: getEnv("RABBITMQ_WORKER_ROUTING_KEY", "tap.pour.recorded"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "tapflow.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			LockTTL: getEnvAsDuration("LOCK_TTL", 30*time.Second),
		},
		Flow: FlowConfig{
			IdleTimeout:               getEnvAsDuration("FLOW_IDLE_TIMEOUT", 20*time.Second),
			IdleMarkAfter:             getEnvAsDuration("FLOW_IDLE_MARK_AFTER", 5*time.Second),
			SweepInterval:             getEnvAsDuration("FLOW_SWEEP_INTERVAL", time.Second),
			QueueSize:                 getEnvAsInt("FLOW_QUEUE_SIZE", 1024),
			TimestampToleranceMinutes: getEnvAsInt("FLOW_TIMESTAMP_TOLERANCE_MINUTES", 10),
		},
		Pour: PourConfig{
			MaxTicks:         int64(getEnvAsInt("POUR_MAX_TICKS", 10000)),
			DefaultMlPerTick: getEnvAsFloat("POUR_DEFAULT_ML_PER_TICK", 1/2.2),
		},
		Session: SessionConfig{
			IdleGap: getEnvAsDuration("SESSION_IDLE_GAP", 2*time.Hour),
			Scope:   strings.ToLower(getEnv("SESSION_SCOPE", "global")),
		},
		Pipeline: PipelineConfig{
			Workers:         getEnvAsInt("PIPELINE_WORKERS", 1),
			QueueSize:       getEnvAsInt("PIPELINE_QUEUE_SIZE", 256),
			RepairInterval:  getEnvAsDuration("REPAIR_INTERVAL", 5*time.Minute),
			RepairBatchSize: getEnvAsInt("REPAIR_BATCH_SIZE", 500),
		},
		Publisher: PublisherConfig{
			BreakerFailures: uint32(getEnvAsInt("PUBLISHER_BREAKER_FAILURES", 5)),
			BreakerTimeout:  getEnvAsDuration("PUBLISHER_BREAKER_TIMEOUT", 30*time.Second),
		},
	}
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration (check environment variables): %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s", "2h") or plain seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
