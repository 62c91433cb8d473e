package gateway

import (
	"time"

	"github.com/cuongceg/stockbot/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a Send when no WithTimeout option is given.
const DefaultTimeout = 30 * time.Second

type options struct {
	log     zerolog.Logger
	tel     *telemetry.Instruments
	timeout time.Duration
	newID   func() (string, error)
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

func WithTelemetry(t *telemetry.Instruments) Option { return func(o *options) { o.tel = t } }

// WithTimeout bounds every Send. Zero disables the gateway timeout; the
// caller's context still applies.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithIDGenerator replaces the correlation id source.
func WithIDGenerator(fn func() (string, error)) Option { return func(o *options) { o.newID = fn } }

func defaultOptions() options {
	return options{
		log:     log.Logger,
		timeout: DefaultTimeout,
		newID:   newUUIDv7,
	}
}

// newUUIDv7 returns a time-ordered random id.
func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
