package kafka

import "time"

// Config describes the cluster and topic used for the audit trail.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientId"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"groupId,omitempty"`
	BatchTimeout time.Duration `yaml:"batchTimeout,omitempty"`
	// Async makes WriteMessages return before the broker acknowledges.
	Async bool  `yaml:"async"`
	SASL  *SASL `yaml:"sasl,omitempty"`
	TLS   *TLS  `yaml:"tls,omitempty"`
}

type SASL struct {
	Enable    bool   `yaml:"enable"`
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type TLS struct {
	Enable   bool   `yaml:"enable"`
	Insecure bool   `yaml:"insecure"`
	CAFile   string `yaml:"caFile"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}
