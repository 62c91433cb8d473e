package nats

import (
	"fmt"

	"github.com/cuongceg/stockbot/internal/core"
	"github.com/rs/zerolog"
)

func factory(cfg any, log zerolog.Logger) (core.Connector, error) {
	var c ConnectorConfig
	switch v := cfg.(type) {
	case ConnectorConfig:
		c = v
	case *ConnectorConfig:
		if v == nil {
			return nil, fmt.Errorf("nil *ConnectorConfig")
		}
		c = *v
	default:
		return nil, fmt.Errorf("invalid cfg type: %T; expected nats.ConnectorConfig", cfg)
	}
	return NewConnector(c, log), nil
}

func init() { core.RegisterConnector("nats", factory) }
