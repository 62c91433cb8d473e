// Package config loads the bot configuration from YAML with BOT_ environment
// overrides and validates it.
package config

import "time"

type Config struct {
	App     AppConfig     `yaml:"app"`
	Broker  BrokerConfig  `yaml:"broker"`
	Gateway GatewayConfig `yaml:"gateway"`
	Quotes  QuotesConfig  `yaml:"quotes"`
	Audit   AuditConfig   `yaml:"audit"`
}

type AppConfig struct {
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	LogFile  string `yaml:"log_file"`
}

// BrokerConfig is shared by the worker and the gateway; both must agree on
// the queue names.
type BrokerConfig struct {
	Kind string `yaml:"kind" validate:"oneof=rabbitmq nats"`
	URL  string `yaml:"url" validate:"required"`

	RequestQueue     string        `yaml:"request_queue" validate:"required"`
	ResponseQueue    string        `yaml:"response_queue" validate:"required"`
	ReconnectRetries int           `yaml:"reconnect_retries" validate:"min=0"`
	RetryDelay       time.Duration `yaml:"retry_delay" validate:"min=0"`

	Prefetch          int           `yaml:"prefetch" validate:"min=1"`
	Durable           bool          `yaml:"durable"`
	AutoAck           bool          `yaml:"auto_ack"`
	PublisherConfirms bool          `yaml:"publisher_confirms"`
	PublishTimeout    time.Duration `yaml:"publish_timeout" validate:"min=0"`

	// QueueGroup is only used by the nats kind.
	QueueGroup string    `yaml:"queue_group"`
	Username   string    `yaml:"username"`
	Password   string    `yaml:"password"`
	Token      string    `yaml:"token"`
	TLS        TLSConfig `yaml:"tls"`
}

type GatewayConfig struct {
	// RequestTimeout bounds each command; 0 waits for the caller's context.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=0"`
}

type QuotesConfig struct {
	BaseURL     string        `yaml:"base_url" validate:"required,url"`
	HTTPTimeout time.Duration `yaml:"http_timeout" validate:"min=0"`
	Cache       CacheConfig   `yaml:"cache"`
}

// CacheConfig enables the Redis quote cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db" validate:"min=0"`
	TTL       time.Duration `yaml:"ttl" validate:"min=0"`
}

// AuditConfig enables the Kafka audit trail when Brokers is non-empty.
type AuditConfig struct {
	Brokers  []string `yaml:"brokers" validate:"omitempty,dive,hostname_port"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	GroupID  string   `yaml:"group_id"`
	// Async lets the Kafka writer return before the brokers acknowledge.
	Async bool       `yaml:"async"`
	SASL  SASLConfig `yaml:"sasl"`
	TLS   TLSConfig  `yaml:"tls"`
}

type SASLConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mechanism string `yaml:"mechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}
