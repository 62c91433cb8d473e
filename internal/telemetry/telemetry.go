// Package telemetry holds the OpenTelemetry instruments shared by the worker
// and the gateway. Without an SDK installed by the host process the global
// providers are no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/cuongceg/stockbot"

type Instruments struct {
	component string
	tracer    trace.Tracer

	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

type Option func(*options)

type options struct {
	tp trace.TracerProvider
	mp metric.MeterProvider
}

func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tp = tp } }
func WithMeterProvider(mp metric.MeterProvider) Option  { return func(o *options) { o.mp = mp } }

// New creates the instruments for component ("bot" or "gateway").
func New(component string, opts ...Option) (*Instruments, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	if o.mp == nil {
		o.mp = otel.GetMeterProvider()
	}

	meter := o.mp.Meter(instrumentationName)
	i := &Instruments{component: component, tracer: o.tp.Tracer(instrumentationName)}

	var err error
	i.requests, err = meter.Int64Counter(
		"bot.requests",
		metric.WithDescription("Number of bot commands processed or sent"),
	)
	if err != nil {
		return nil, err
	}
	i.failures, err = meter.Int64Counter(
		"bot.failures",
		metric.WithDescription("Number of bot commands answered with an error"),
	)
	if err != nil {
		return nil, err
	}
	i.duration, err = meter.Float64Histogram(
		"bot.duration",
		metric.WithDescription("Duration of bot commands"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return i, nil
}

// Nop returns instruments bound to the global providers. It never fails.
func Nop() *Instruments {
	i, err := New("")
	if err != nil {
		panic(err)
	}
	return i
}

// StartSpan opens a span tagged with the correlation id. The returned
// function ends it, recording err when non-nil.
func (i *Instruments) StartSpan(ctx context.Context, name, corrID string, kind trace.SpanKind) (context.Context, func(error)) {
	ctx, span := i.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("bot.component", i.component),
			attribute.String("messaging.message.conversation_id", corrID),
		),
		trace.WithSpanKind(kind),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Record counts one command. code is the error code of a failed command and
// is empty on success.
func (i *Instruments) Record(ctx context.Context, command string, failed bool, code string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("bot.component", i.component),
		attribute.String("bot.command", command),
	)
	i.requests.Add(ctx, 1, attrs)
	i.duration.Record(ctx, d.Seconds(), attrs)
	if failed {
		i.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bot.component", i.component),
			attribute.String("bot.command", command),
			attribute.String("bot.code", code),
		))
	}
}
