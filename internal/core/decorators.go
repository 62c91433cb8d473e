package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// EndpointWithLog logs publish latency and handler failures of the wrapped endpoint.
type EndpointWithLog struct {
	Next Endpoint
	Log  zerolog.Logger
}

func (d EndpointWithLog) Queue() string                  { return d.Next.Queue() }
func (d EndpointWithLog) Stop(ctx context.Context) error { return d.Next.Stop(ctx) }

func (d EndpointWithLog) Publish(ctx context.Context, msg Message) error {
	t0 := time.Now()
	err := d.Next.Publish(ctx, msg)
	ev := d.Log.Debug()
	if err != nil {
		ev = d.Log.Error().Err(err)
	}
	ev.Str("queue", d.Next.Queue()).
		Str("corr_id", msg.CorrelationID).
		Dur("took", time.Since(t0)).
		Msg("publish")
	return err
}

func (d EndpointWithLog) Start(ctx context.Context, h Handler) error {
	return d.Next.Start(ctx, func(ctx context.Context, msg Message) error {
		err := h(ctx, msg)
		if err != nil {
			d.Log.Error().Err(err).
				Str("queue", d.Next.Queue()).
				Str("corr_id", msg.CorrelationID).
				Msg("handler failed")
		}
		return err
	})
}

type connectorWithLog struct {
	Connector
	log zerolog.Logger
}

// WithLogging decorates both endpoints of c with EndpointWithLog.
func WithLogging(c Connector, log zerolog.Logger) Connector {
	return connectorWithLog{Connector: c, log: log}
}

func (c connectorWithLog) Requests() Endpoint {
	return EndpointWithLog{Next: c.Connector.Requests(), Log: c.log}
}

func (c connectorWithLog) Responses() Endpoint {
	return EndpointWithLog{Next: c.Connector.Responses(), Log: c.log}
}
