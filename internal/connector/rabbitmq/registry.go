package rabbitmq

import (
	"fmt"

	"github.com/cuongceg/stockbot/internal/core"
	"github.com/rs/zerolog"
)

func factory(cfg any, log zerolog.Logger) (core.Connector, error) {
	switch c := cfg.(type) {
	case Config:
		return NewConnector(c, log), nil
	case *Config:
		if c == nil {
			return nil, fmt.Errorf("nil *rabbitmq.Config")
		}
		return NewConnector(*c, log), nil
	default:
		return nil, fmt.Errorf("unexpected config type %T for rabbitmq", cfg)
	}
}

func init() {
	core.RegisterConnector("rabbitmq", factory)
}
