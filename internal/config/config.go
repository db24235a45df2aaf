package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for DispatchRouter
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration
	MongoDB MongoDBConfig

	// Queue configuration (NATS or SQS)
	Queue QueueConfig

	// Leader election configuration
	Leader LeaderConfig

	// Mediator configuration (outbound HTTP dispatch)
	Mediator MediatorConfig

	// ConfigSource configures where pool/subscription definitions are read from
	ConfigSource ConfigSourceConfig

	// Traffic load-balancer registration configuration
	Traffic TrafficConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs"

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// MediatorConfig holds outbound HTTP mediation configuration
type MediatorConfig struct {
	Timeout                time.Duration
	MaxRetries              int
	BaseBackoff             time.Duration
	CircuitBreakerEnabled   bool
	CircuitBreakerRequests  uint32
	CircuitBreakerInterval  time.Duration
	CircuitBreakerTimeout   time.Duration
	CircuitBreakerRatio     float64
	CircuitBreakerMinRequests uint32
}

// ConfigSourceConfig selects where pool/subscription definitions come from.
type ConfigSourceConfig struct {
	// Type is "file" or "mongo"
	Type string

	// FilePath is the TOML file path when Type is "file"
	FilePath string

	// SyncInterval is how often pool definitions are re-synced
	SyncInterval time.Duration
}

// TrafficConfig holds load-balancer traffic registration configuration
type TrafficConfig struct {
	Enabled        bool
	Strategy       string // "noop" or "aws-elbv2"
	Region         string
	TargetGroupARN string
	TargetID       string
	TargetPort     int32
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration

	// RedisURL is the Redis connection URL backing the distributed lock
	RedisURL string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "dispatchrouter"),
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			InstanceID:      getEnv("HOSTNAME", ""),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
			RedisURL:        getEnv("LEADER_REDIS_URL", "redis://localhost:6379"),
		},

		Mediator: MediatorConfig{
			Timeout:                   getEnvDuration("MEDIATOR_TIMEOUT", 30*time.Second),
			MaxRetries:                getEnvInt("MEDIATOR_MAX_RETRIES", 3),
			BaseBackoff:               getEnvDuration("MEDIATOR_BASE_BACKOFF", time.Second),
			CircuitBreakerEnabled:     getEnvBool("MEDIATOR_CIRCUIT_BREAKER_ENABLED", true),
			CircuitBreakerRequests:    uint32(getEnvInt("MEDIATOR_CIRCUIT_BREAKER_REQUESTS", 10)),
			CircuitBreakerInterval:    getEnvDuration("MEDIATOR_CIRCUIT_BREAKER_INTERVAL", 60*time.Second),
			CircuitBreakerTimeout:     getEnvDuration("MEDIATOR_CIRCUIT_BREAKER_TIMEOUT", 5*time.Second),
			CircuitBreakerRatio:       getEnvFloat("MEDIATOR_CIRCUIT_BREAKER_RATIO", 0.5),
			CircuitBreakerMinRequests: uint32(getEnvInt("MEDIATOR_CIRCUIT_BREAKER_MIN_REQUESTS", 10)),
		},

		ConfigSource: ConfigSourceConfig{
			Type:         getEnv("CONFIG_SOURCE_TYPE", "file"),
			FilePath:     getEnv("CONFIG_SOURCE_FILE", "./config/pools.toml"),
			SyncInterval: getEnvDuration("CONFIG_SOURCE_SYNC_INTERVAL", 60*time.Second),
		},

		Traffic: TrafficConfig{
			Enabled:        getEnvBool("TRAFFIC_MANAGEMENT_ENABLED", false),
			Strategy:       getEnv("TRAFFIC_STRATEGY", "noop"),
			Region:         getEnv("TRAFFIC_ELBV2_REGION", getEnv("AWS_REGION", "us-east-1")),
			TargetGroupARN: getEnv("TRAFFIC_ELBV2_TARGET_GROUP_ARN", ""),
			TargetID:       getEnv("TRAFFIC_ELBV2_TARGET_ID", getEnv("HOSTNAME", "")),
			TargetPort:     int32(getEnvInt("TRAFFIC_ELBV2_TARGET_PORT", 0)),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("DISPATCHROUTER_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
