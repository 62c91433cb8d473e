package nats

import "time"

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CAFile   string `yaml:"caFile" json:"caFile"`
	CertFile string `yaml:"certFile" json:"certFile"`
	KeyFile  string `yaml:"keyFile" json:"keyFile"`
}

type AuthConfig struct {
	// Choose one of: User/Pass or Token
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Token    string `yaml:"token" json:"token"`
}

// ConnectorConfig maps the two bot queues onto NATS subjects. Subscriptions
// join QueueGroup so several workers share the request subject.
type ConnectorConfig struct {
	Name       string   `yaml:"name" json:"name"`
	Servers    []string `yaml:"servers" json:"servers"`
	ClientName string   `yaml:"clientName" json:"clientName"`

	RequestSubject  string `yaml:"requestSubject" json:"requestSubject"`
	ResponseSubject string `yaml:"responseSubject" json:"responseSubject"`
	QueueGroup      string `yaml:"queueGroup" json:"queueGroup"`

	// ReconnectRetries bounds the initial connect: 1+ReconnectRetries attempts.
	ReconnectRetries int           `yaml:"reconnectRetries" json:"reconnectRetries"`
	RetryDelay       time.Duration `yaml:"retryDelay" json:"retryDelay"`
	// PublishTimeout bounds the flush after each publish; 0 skips the flush.
	PublishTimeout time.Duration `yaml:"publishTimeout" json:"publishTimeout"`

	TLS  TLSConfig  `yaml:"tls" json:"tls"`
	Auth AuthConfig `yaml:"auth" json:"auth"`
}

func DefaultConfig() ConnectorConfig {
	return ConnectorConfig{
		Name:             "nats",
		Servers:          []string{"nats://127.0.0.1:4222"},
		ClientName:       "stockbot",
		RequestSubject:   "bot_requests",
		ResponseSubject:  "bot_responses",
		QueueGroup:       "stockbot",
		ReconnectRetries: 3,
		RetryDelay:       500 * time.Millisecond,
		PublishTimeout:   5 * time.Second,
	}
}
