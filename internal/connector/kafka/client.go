package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// NewWriter builds a writer for cfg.Topic. Messages are hashed by key so all
// records of one correlation id land on the same partition.
func NewWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	tlsCfg, mech, err := security(cfg)
	if err != nil {
		return nil, err
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
		BatchTimeout:           batch,
		BatchBytes:             128 << 10,
		Async:                  cfg.Async,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
			TLS:      tlsCfg,
			SASL:     mech,
		},
	}, nil
}

// NewReader builds a consumer-group reader for cfg.Topic.
func NewReader(cfg Config) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	tlsCfg, mech, err := security(cfg)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			ClientID:      cfg.ClientID,
			TLS:           tlsCfg,
			SASLMechanism: mech,
		},
		MinBytes: 1,
		MaxBytes: 10 << 20,
		MaxWait:  500 * time.Millisecond,
	}), nil
}

func security(cfg Config) (*tls.Config, sasl.Mechanism, error) {
	var tlsCfg *tls.Config
	if cfg.TLS != nil && cfg.TLS.Enable {
		var err error
		if tlsCfg, err = buildTLS(cfg.TLS); err != nil {
			return nil, nil, err
		}
	}
	var mech sasl.Mechanism
	if cfg.SASL != nil && cfg.SASL.Enable {
		var err error
		if mech, err = buildSASL(cfg.SASL); err != nil {
			return nil, nil, err
		}
	}
	return tlsCfg, mech, nil
}

func buildSASL(s *SASL) (sasl.Mechanism, error) {
	switch strings.ToUpper(s.Mechanism) {
	case "", "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", s.Mechanism)
	}
}

func buildTLS(t *TLS) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: t.Insecure, MinVersion: tls.VersionTLS12}
	if t.CAFile != "" {
		ca, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read kafka CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.New("append kafka CA failed")
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load kafka client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
