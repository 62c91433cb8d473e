package worker

import (
	"time"

	"github.com/cuongceg/stockbot/internal/audit"
	"github.com/cuongceg/stockbot/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type options struct {
	log          zerolog.Logger
	audit        audit.Sink
	auditBuffer  int
	auditTimeout time.Duration
	tel          *telemetry.Instruments
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

// WithAudit emits one record per processed request to s.
func WithAudit(s audit.Sink) Option { return func(o *options) { o.audit = s } }

// WithAuditQueue sizes the queue of records waiting to be written and bounds
// each write. Records that do not fit are dropped.
func WithAuditQueue(buffer int, timeout time.Duration) Option {
	return func(o *options) {
		o.auditBuffer = buffer
		o.auditTimeout = timeout
	}
}

func WithTelemetry(t *telemetry.Instruments) Option { return func(o *options) { o.tel = t } }

func defaultOptions() options {
	return options{
		log:          log.Logger,
		audit:        audit.Nop{},
		auditBuffer:  256,
		auditTimeout: 2 * time.Second,
	}
}
