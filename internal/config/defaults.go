package config

import "time"

// Default returns the configuration used when no file is given. Load decodes
// the file on top of it, so booleans such as durable keep their default when
// omitted.
func Default() Config {
	return Config{
		App: AppConfig{LogLevel: "info"},
		Broker: BrokerConfig{
			Kind:             "rabbitmq",
			URL:              "amqp://localhost",
			RequestQueue:     "bot_requests",
			ResponseQueue:    "bot_responses",
			ReconnectRetries: 3,
			RetryDelay:       500 * time.Millisecond,
			Prefetch:         1,
			Durable:          true,
			AutoAck:          true,
			PublishTimeout:   5 * time.Second,
			QueueGroup:       "stockbot",
		},
		Gateway: GatewayConfig{RequestTimeout: 30 * time.Second},
		Quotes: QuotesConfig{
			BaseURL:     "https://stooq.com/q/l/",
			HTTPTimeout: 10 * time.Second,
			Cache:       CacheConfig{TTL: time.Minute},
		},
		Audit: AuditConfig{Topic: "bot.audit", ClientID: "stockbot"},
	}
}

// applyDefaults fills values an override may have blanked.
func (c *Config) applyDefaults() {
	d := Default()
	if c.App.LogLevel == "" {
		c.App.LogLevel = d.App.LogLevel
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = d.Broker.Kind
	}
	if c.Broker.QueueGroup == "" {
		c.Broker.QueueGroup = d.Broker.QueueGroup
	}
	if c.Audit.Topic == "" {
		c.Audit.Topic = d.Audit.Topic
	}
	if c.Audit.SASL.Enabled && c.Audit.SASL.Mechanism == "" {
		c.Audit.SASL.Mechanism = "PLAIN"
	}
}
