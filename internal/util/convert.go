// Package util wires configuration into runtime components.
package util

import (
	"fmt"
	"strings"

	"github.com/cuongceg/stockbot/internal/config"
	"github.com/cuongceg/stockbot/internal/connector/kafka"
	"github.com/cuongceg/stockbot/internal/connector/nats"
	"github.com/cuongceg/stockbot/internal/connector/rabbitmq"
	"github.com/cuongceg/stockbot/internal/core"
	"github.com/rs/zerolog"
)

// ConnectorConfig maps the broker section onto the config type of its kind.
func ConnectorConfig(b config.BrokerConfig, name string) (any, error) {
	switch b.Kind {
	case "rabbitmq":
		rmqCfg := rabbitmq.Config{
			Name:              name,
			URL:               b.URL,
			RequestQueue:      b.RequestQueue,
			ResponseQueue:     b.ResponseQueue,
			ReconnectRetries:  b.ReconnectRetries,
			RetryDelay:        b.RetryDelay,
			Prefetch:          b.Prefetch,
			Durable:           b.Durable,
			AutoAck:           b.AutoAck,
			PublisherConfirms: b.PublisherConfirms,
			PublishTimeout:    b.PublishTimeout,
		}
		if b.TLS.Enabled {
			rmqCfg.TLS = &rabbitmq.TLSOptions{
				Enabled:            true,
				RootCAPath:         b.TLS.CAFile,
				ClientCertPath:     b.TLS.CertFile,
				ClientKeyPath:      b.TLS.KeyFile,
				InsecureSkipVerify: b.TLS.InsecureSkipVerify,
			}
		}
		return rmqCfg, nil

	case "nats":
		natsCfg := nats.ConnectorConfig{
			Name:             name,
			Servers:          splitList(b.URL),
			ClientName:       name,
			RequestSubject:   b.RequestQueue,
			ResponseSubject:  b.ResponseQueue,
			QueueGroup:       b.QueueGroup,
			ReconnectRetries: b.ReconnectRetries,
			RetryDelay:       b.RetryDelay,
			PublishTimeout:   b.PublishTimeout,
			Auth: nats.AuthConfig{
				Username: b.Username,
				Password: b.Password,
				Token:    b.Token,
			},
		}
		if b.TLS.Enabled {
			natsCfg.TLS = nats.TLSConfig{
				Enabled:  true,
				CAFile:   b.TLS.CAFile,
				CertFile: b.TLS.CertFile,
				KeyFile:  b.TLS.KeyFile,
			}
		}
		return natsCfg, nil

	default:
		return nil, fmt.Errorf("broker: unsupported kind %q", b.Kind)
	}
}

// BuildConnector creates the connector for b through the core registry and
// decorates it with publish/handler logging. It does not open it.
func BuildConnector(b config.BrokerConfig, name string, log zerolog.Logger) (core.Connector, error) {
	cfg, err := ConnectorConfig(b, name)
	if err != nil {
		return nil, err
	}
	conn, err := core.BuildConnector(b.Kind, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("connector %q: build: %w", name, err)
	}
	return core.WithLogging(conn, log), nil
}

// KafkaConfig maps the audit section. groupID is only needed by readers.
func KafkaConfig(a config.AuditConfig, groupID string) kafka.Config {
	cfg := kafka.Config{
		Brokers:  a.Brokers,
		ClientID: a.ClientID,
		Topic:    a.Topic,
		GroupID:  groupID,
		Async:    a.Async,
	}
	if a.SASL.Enabled {
		cfg.SASL = &kafka.SASL{
			Enable:    true,
			Mechanism: a.SASL.Mechanism,
			Username:  a.SASL.Username,
			Password:  a.SASL.Password,
		}
	}
	if a.TLS.Enabled {
		cfg.TLS = &kafka.TLS{
			Enable:   true,
			Insecure: a.TLS.InsecureSkipVerify,
			CAFile:   a.TLS.CAFile,
			CertFile: a.TLS.CertFile,
			KeyFile:  a.TLS.KeyFile,
		}
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
