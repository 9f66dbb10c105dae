package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr    string
	LogLevel      string
	QueryCacheTTL time.Duration

	// Storage configuration
	StorageBackend string
	DatabaseURL    string

	// Channel configuration
	ChannelBackend string
	NATSURL        string
	NATSUser       string
	NATSPassword   string
	NATSStream     string
	NATSConsumer   string
	KafkaBrokers   []string
	KafkaGroup     string

	// Topics and decoding
	TopicRaw         string
	TopicResults     string
	FeatureDimension int

	// Liveness thresholds
	FreshnessWindow   time.Duration
	WarningMultiplier float64

	// Ingestion retry policy
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	StorageRetryAttempts    int
	WriteTimeout            time.Duration

	// NodeRegistryFile is an optional YAML file of node display metadata.
	NodeRegistryFile string
}

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendNATS     = "nats"
	BackendKafka    = "kafka"
)

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	var err error
	cfg.QueryCacheTTL, err = parseDuration("QUERY_CACHE_TTL", "1s")
	collect(err)

	// Storage configuration
	cfg.StorageBackend = getEnvOrDefault("STORAGE_BACKEND", BackendPostgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// Channel configuration
	cfg.ChannelBackend = getEnvOrDefault("CHANNEL_BACKEND", BackendNATS)
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")
	cfg.NATSUser = os.Getenv("NATS_USER")
	cfg.NATSPassword = os.Getenv("NATS_PASSWORD")
	cfg.NATSStream = getEnvOrDefault("NATS_STREAM", "FOG_EVENTS")
	cfg.NATSConsumer = getEnvOrDefault("NATS_CONSUMER", "fogwatch-ingest")
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.KafkaGroup = getEnvOrDefault("KAFKA_GROUP", "fogwatch-ingest")

	// Topics and decoding
	cfg.TopicRaw = getEnvOrDefault("TOPIC_RAW", "fog.transactions.raw")
	cfg.TopicResults = getEnvOrDefault("TOPIC_RESULTS", "fog.transactions.results")
	cfg.FeatureDimension, err = parseInt("FEATURE_DIMENSION", 28)
	collect(err)

	// Liveness thresholds
	cfg.FreshnessWindow, err = parseDuration("FRESHNESS_WINDOW", "30s")
	collect(err)
	cfg.WarningMultiplier, err = parseFloat("WARNING_MULTIPLIER", 3)
	collect(err)

	// Ingestion retry policy
	cfg.ReconnectInitialBackoff, err = parseDuration("RECONNECT_INITIAL_BACKOFF", "1s")
	collect(err)
	cfg.ReconnectMaxBackoff, err = parseDuration("RECONNECT_MAX_BACKOFF", "30s")
	collect(err)
	cfg.StorageRetryAttempts, err = parseInt("STORAGE_RETRY_ATTEMPTS", 5)
	collect(err)
	cfg.WriteTimeout, err = parseDuration("WRITE_TIMEOUT", "5s")
	collect(err)

	cfg.NodeRegistryFile = os.Getenv("NODE_REGISTRY_FILE")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints. Load calls it; tests may call
// it on a hand-built Config.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=postgres"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StorageBackend))
	}

	switch c.ChannelBackend {
	case BackendNATS:
		if c.NATSURL == "" {
			errs = append(errs, fmt.Errorf("NATS_URL is required when CHANNEL_BACKEND=nats"))
		}
	case BackendKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required when CHANNEL_BACKEND=kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHANNEL_BACKEND must be %q or %q, got %q", BackendNATS, BackendKafka, c.ChannelBackend))
	}

	if c.TopicRaw == "" || c.TopicResults == "" {
		errs = append(errs, fmt.Errorf("TOPIC_RAW and TOPIC_RESULTS must not be empty"))
	} else if c.TopicRaw == c.TopicResults {
		errs = append(errs, fmt.Errorf("TOPIC_RAW and TOPIC_RESULTS must be different"))
	}

	if c.FeatureDimension < 1 {
		errs = append(errs, fmt.Errorf("FEATURE_DIMENSION must be positive, got %d", c.FeatureDimension))
	}
	if c.FreshnessWindow <= 0 {
		errs = append(errs, fmt.Errorf("FRESHNESS_WINDOW must be positive, got %v", c.FreshnessWindow))
	}
	if c.WarningMultiplier <= 1 {
		errs = append(errs, fmt.Errorf("WARNING_MULTIPLIER must be greater than 1, got %v", c.WarningMultiplier))
	}
	if c.ReconnectInitialBackoff <= 0 || c.ReconnectMaxBackoff < c.ReconnectInitialBackoff {
		errs = append(errs, fmt.Errorf("RECONNECT_INITIAL_BACKOFF (%v) must be positive and not exceed RECONNECT_MAX_BACKOFF (%v)",
			c.ReconnectInitialBackoff, c.ReconnectMaxBackoff))
	}
	if c.StorageRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("STORAGE_RETRY_ATTEMPTS must be at least 1, got %d", c.StorageRetryAttempts))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("WRITE_TIMEOUT must be positive, got %v", c.WriteTimeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
