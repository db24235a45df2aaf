package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP         TOMLHTTPConfig         `toml:"http"`
	MongoDB      TOMLMongoDBConfig      `toml:"mongodb"`
	Queue        TOMLQueueConfig        `toml:"queue"`
	Leader       TOMLLeaderConfig       `toml:"leader"`
	ConfigSource TOMLConfigSourceConfig `toml:"config_source"`
	Traffic      TOMLTrafficConfig      `toml:"traffic"`
	Secrets      TOMLSecretsConfig      `toml:"secrets"`
	DataDir      string                 `toml:"data_dir"`
	DevMode      bool                   `toml:"dev_mode"`
}

// TOMLConfigSourceConfig represents pool-definition source configuration in TOML
type TOMLConfigSourceConfig struct {
	Type         string `toml:"type"`
	FilePath     string `toml:"file_path"`
	SyncInterval string `toml:"sync_interval"`
}

// TOMLTrafficConfig represents load-balancer traffic registration configuration in TOML
type TOMLTrafficConfig struct {
	Enabled        bool   `toml:"enabled"`
	Strategy       string `toml:"strategy"`
	Region         string `toml:"region"`
	TargetGroupARN string `toml:"target_group_arn"`
	TargetID       string `toml:"target_id"`
	TargetPort     int32  `toml:"target_port"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLMongoDBConfig represents MongoDB configuration in TOML
type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// TOMLQueueConfig represents queue configuration in TOML
type TOMLQueueConfig struct {
	Type string        `toml:"type"`
	NATS TOMLNATSConfig `toml:"nats"`
	SQS  TOMLSQSConfig  `toml:"sqs"`
}

// TOMLNATSConfig represents NATS configuration in TOML
type TOMLNATSConfig struct {
	URL     string `toml:"url"`
	DataDir string `toml:"data_dir"`
}

// TOMLSQSConfig represents SQS configuration in TOML
type TOMLSQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// TOMLLeaderConfig represents leader election configuration in TOML
type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML
type TOMLSecretsConfig struct {
	Provider      string `toml:"provider"`
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"`

	// Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"application.toml",
	"dispatchrouter.toml",
	"./config/config.toml",
	"./config/application.toml",
	"/etc/dispatchrouter/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("DISPATCHROUTER_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Queue: QueueConfig{
			Type: tc.Queue.Type,
			NATS: NATSConfig{
				URL:     tc.Queue.NATS.URL,
				DataDir: tc.Queue.NATS.DataDir,
			},
			SQS: SQSConfig{
				QueueURL:          tc.Queue.SQS.QueueURL,
				Region:            tc.Queue.SQS.Region,
				WaitTimeSeconds:   tc.Queue.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Queue.SQS.VisibilityTimeout,
			},
		},
		Leader: LeaderConfig{
			Enabled:    tc.Leader.Enabled,
			InstanceID: tc.Leader.InstanceID,
		},
		ConfigSource: ConfigSourceConfig{
			Type:     tc.ConfigSource.Type,
			FilePath: tc.ConfigSource.FilePath,
		},
		Traffic: TrafficConfig{
			Enabled:        tc.Traffic.Enabled,
			Strategy:       tc.Traffic.Strategy,
			Region:         tc.Traffic.Region,
			TargetGroupARN: tc.Traffic.TargetGroupARN,
			TargetID:       tc.Traffic.TargetID,
			TargetPort:     tc.Traffic.TargetPort,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	// Parse durations
	if tc.ConfigSource.SyncInterval != "" {
		if d, err := time.ParseDuration(tc.ConfigSource.SyncInterval); err == nil {
			cfg.ConfigSource.SyncInterval = d
		}
	}
	if tc.Leader.TTL != "" {
		if d, err := time.ParseDuration(tc.Leader.TTL); err == nil {
			cfg.Leader.TTL = d
		}
	}
	if tc.Leader.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.Leader.RefreshInterval); err == nil {
			cfg.Leader.RefreshInterval = d
		}
	}

	return cfg, nil
}

// mergeConfigs merges two configs. An override value takes precedence only
// when it is set and differs from the env default, so a value from the file
// is kept unless the corresponding env var changes it.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	// HTTP
	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	// MongoDB
	if override.MongoDB.URI != "" && override.MongoDB.URI != "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true" {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != "" && override.MongoDB.Database != "dispatchrouter" {
		result.MongoDB.Database = override.MongoDB.Database
	}

	// Queue
	if override.Queue.Type != "" && override.Queue.Type != "embedded" {
		result.Queue.Type = override.Queue.Type
	}
	if override.Queue.NATS.URL != "" && override.Queue.NATS.URL != "nats://localhost:4222" {
		result.Queue.NATS.URL = override.Queue.NATS.URL
	}
	if override.Queue.NATS.DataDir != "" && override.Queue.NATS.DataDir != "./data/nats" {
		result.Queue.NATS.DataDir = override.Queue.NATS.DataDir
	}
	if override.Queue.SQS.QueueURL != "" {
		result.Queue.SQS.QueueURL = override.Queue.SQS.QueueURL
	}
	if override.Queue.SQS.Region != "" && override.Queue.SQS.Region != "us-east-1" {
		result.Queue.SQS.Region = override.Queue.SQS.Region
	}

	// ConfigSource
	if override.ConfigSource.Type != "" && override.ConfigSource.Type != "file" {
		result.ConfigSource.Type = override.ConfigSource.Type
	}
	if override.ConfigSource.FilePath != "" && override.ConfigSource.FilePath != "./config/pools.toml" {
		result.ConfigSource.FilePath = override.ConfigSource.FilePath
	}

	// Traffic
	if override.Traffic.Enabled {
		result.Traffic.Enabled = true
	}
	if override.Traffic.Strategy != "" && override.Traffic.Strategy != "noop" {
		result.Traffic.Strategy = override.Traffic.Strategy
	}
	if override.Traffic.TargetGroupARN != "" {
		result.Traffic.TargetGroupARN = override.Traffic.TargetGroupARN
	}

	// Leader
	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}

	// General
	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# DispatchRouter Configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "dispatchrouter"

[queue]
type = "embedded"  # embedded, nats, or sqs

[queue.nats]
url = "nats://localhost:4222"
data_dir = "./data/nats"

[queue.sqs]
queue_url = ""
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[leader]
enabled = false
instance_id = ""
ttl = "30s"
refresh_interval = "10s"

[config_source]
type = "file"  # file or mongo
file_path = "./config/pools.toml"
sync_interval = "60s"

[traffic]
enabled = false
strategy = "noop"  # noop or aws-elbv2
region = ""
target_group_arn = ""
target_id = ""
target_port = 0

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "/dispatchrouter/"
aws_endpoint = ""

# HashiCorp Vault
vault_addr = ""
vault_path = "secret/data/dispatchrouter"
vault_namespace = ""

# GCP Secret Manager
gcp_project = ""
gcp_prefix = "dispatchrouter-"

data_dir = "./data"
dev_mode = false
`

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
