package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds all configuration for the service.
type Config struct {
	// Server
	Port     int    `envconfig:"PORT" default:"80"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	DatabaseDriver string        `envconfig:"DATABASE_DRIVER" default:"sqlite"`
	DatabaseDSN    string        `envconfig:"DATABASE_DSN" default:"file:cartship.db?cache=shared"`
	RedisURL       string        `envconfig:"REDIS_URL"`
	QuoteStateTTL  time.Duration `envconfig:"QUOTE_STATE_TTL" default:"30m"`

	// Events
	KafkaBrokers         []string      `envconfig:"KAFKA_BROKERS"`
	KafkaEventsTopic     string        `envconfig:"KAFKA_EVENTS_TOPIC" default:"shipping.events"`
	KafkaCommandsTopic   string        `envconfig:"KAFKA_COMMANDS_TOPIC" default:"shop.events"`
	KafkaGroupID         string        `envconfig:"KAFKA_GROUP_ID" default:"cartship"`
	KafkaDeadLetterTopic string        `envconfig:"KAFKA_DEAD_LETTER_TOPIC" default:"shop.events.dead-letter"`
	ConsumerMaxAttempts  int           `envconfig:"CONSUMER_MAX_ATTEMPTS" default:"5"`
	ConsumerRetryBackoff time.Duration `envconfig:"CONSUMER_RETRY_BACKOFF" default:"1s"`

	// Core
	ProviderTimeout     time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`
	ConfirmTimeout      time.Duration `envconfig:"CONFIRM_TIMEOUT" default:"60s"`
	TrackingInterval    time.Duration `envconfig:"TRACKING_INTERVAL" default:"15m"`
	TrackingMerchants   []string      `envconfig:"TRACKING_MERCHANTS"`
	TrackingConcurrency int           `envconfig:"TRACKING_CONCURRENCY" default:"8"`
	ServiceActor        string        `envconfig:"SERVICE_ACTOR" default:"cartship-worker"`

	// Freightcom
	FreightcomBaseURL string        `envconfig:"FREIGHTCOM_BASE_URL" default:"https://external-api.freightcom.com"`
	FreightcomTimeout time.Duration `envconfig:"FREIGHTCOM_TIMEOUT" default:"30s"`
	FreightcomEnabled bool          `envconfig:"FREIGHTCOM_ENABLED" default:"true"`
	FreightcomUseMock bool          `envconfig:"FREIGHTCOM_USE_MOCK" default:"false"`

	// Mock integration for local development
	MockEnabled bool `envconfig:"MOCK_INTEGRATION_ENABLED" default:"false"`

	// Telemetry
	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"true"`
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT" default:"http://localhost:4318"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"cartship"`
	Version      string `envconfig:"SERVICE_VERSION" default:"0.0.1"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// KafkaEnabled reports whether brokers are configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Attributes returns OpenTelemetry attributes for this configuration.
func (c *Config) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
		attribute.String("database.driver", c.DatabaseDriver),
		attribute.Bool("redis.enabled", c.RedisURL != ""),
		attribute.Bool("kafka.enabled", c.KafkaEnabled()),
		attribute.Bool("freightcom.enabled", c.FreightcomEnabled),
	}
}
