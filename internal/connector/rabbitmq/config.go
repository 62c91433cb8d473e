package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

type Config struct {
	Name string      `yaml:"name" json:"name"`
	URL  string      `yaml:"url" json:"url"`
	TLS  *TLSOptions `yaml:"tls,omitempty" json:"tls,omitempty"`

	RequestQueue  string `yaml:"requestQueue" json:"requestQueue"`
	ResponseQueue string `yaml:"responseQueue" json:"responseQueue"`

	// ReconnectRetries bounds the initial dial: 1+ReconnectRetries attempts in total.
	ReconnectRetries int           `yaml:"reconnectRetries" json:"reconnectRetries"`
	RetryDelay       time.Duration `yaml:"retryDelay" json:"retryDelay"`

	// Prefetch is applied to the request channel only.
	Prefetch int `yaml:"prefetch" json:"prefetch"`
	// Durable queues survive a broker restart.
	Durable           bool          `yaml:"durable" json:"durable"`
	AutoAck           bool          `yaml:"autoAck" json:"autoAck"`
	PublisherConfirms bool          `yaml:"publisherConfirms" json:"publisherConfirms"`
	PublishTimeout    time.Duration `yaml:"publishTimeout" json:"publishTimeout"`

	// Dial replaces the AMQP dialer, mostly for tests.
	Dial Dialer `yaml:"-" json:"-"`
}

// DefaultConfig mirrors the defaults of the bot connector.
func DefaultConfig() Config {
	return Config{
		Name:             "rabbitmq",
		URL:              "amqp://localhost",
		RequestQueue:     "bot_requests",
		ResponseQueue:    "bot_responses",
		ReconnectRetries: 3,
		RetryDelay:       500 * time.Millisecond,
		Prefetch:         1,
		Durable:          true,
		AutoAck:          true,
		PublishTimeout:   5 * time.Second,
	}
}

// TLSOptions loads CA/cert/key from files for amqps connections.
type TLSOptions struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	RootCAPath         string `yaml:"rootCAPath,omitempty" json:"rootCAPath,omitempty"`
	ClientCertPath     string `yaml:"clientCertPath,omitempty" json:"clientCertPath,omitempty"`
	ClientKeyPath      string `yaml:"clientKeyPath,omitempty" json:"clientKeyPath,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify,omitempty" json:"insecureSkipVerify,omitempty"`
}

func buildTLSConfig(opts *TLSOptions) (*tls.Config, error) {
	if opts == nil || !opts.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if opts.RootCAPath != "" {
		caBytes, err := os.ReadFile(opts.RootCAPath)
		if err != nil {
			return nil, fmt.Errorf("read root CA: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("append root CA failed")
		}
		cfg.RootCAs = pool
	}
	if opts.ClientCertPath != "" && opts.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertPath, opts.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
