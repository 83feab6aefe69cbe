package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the payout engine
type Config struct {
	// Server
	HTTPPort string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers       string
	KafkaConsumerGroup string
	KafkaTopicOwed     string

	// Gateway
	GatewayType           string // "simulated" or "http"
	GatewayBaseURL        string
	GatewayAPIKey         string
	GatewayFailureRate    int
	GatewayProcessingTime time.Duration

	// Batching
	MaxBatchSize      int
	ApprovalThreshold decimal.Decimal // batches at or above this amount need approval; zero disables

	// Scheduler
	SchedulerInterval time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		HTTPPort: getEnv("HTTP_PORT", "8084"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		KafkaBrokers:       getEnv("KAFKA_BROKERS", "localhost:9092"),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "payout-engine"),
		KafkaTopicOwed:     getEnv("KAFKA_TOPIC_OWED", "payout.owed"),

		GatewayType:           getEnv("GATEWAY_TYPE", "simulated"),
		GatewayBaseURL:        getEnv("GATEWAY_BASE_URL", ""),
		GatewayAPIKey:         getEnv("GATEWAY_API_KEY", ""),
		GatewayFailureRate:    getEnvInt("GATEWAY_FAILURE_RATE", 10),
		GatewayProcessingTime: getEnvDuration("GATEWAY_PROCESSING_TIME", 500*time.Millisecond),

		MaxBatchSize:      getEnvInt("MAX_BATCH_SIZE", 100),
		ApprovalThreshold: getEnvDecimal("APPROVAL_THRESHOLD", decimal.NewFromInt(100000)),

		SchedulerInterval: getEnvDuration("SCHEDULER_INTERVAL", time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
