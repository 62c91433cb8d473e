package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	core "github.com/cuongceg/stockbot/internal/core"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrConnectFailed is core.ErrConnectFailed, re-exported for callers that only
// import this package.
var ErrConnectFailed = core.ErrConnectFailed

// Connector owns one AMQP connection with two channels: one bound to the
// request queue (with prefetch) and one bound to the response queue.
type Connector struct {
	cfg  Config
	dial Dialer
	log  zerolog.Logger

	requests  *endpoint
	responses *endpoint

	// mu serializes Open/Close and guards conn, channels and gen.
	mu       sync.Mutex
	conn     Connection
	channels []Channel
	gen      uint64
	ready    atomic.Bool

	hookMu sync.Mutex
	hooks  []func(error)
}

var _ core.Connector = (*Connector)(nil)

func NewConnector(cfg Config, log zerolog.Logger) *Connector {
	dial := cfg.Dial
	if dial == nil {
		dial = DialAMQP
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.ReconnectRetries < 0 {
		cfg.ReconnectRetries = 0
	}
	log = log.With().Str("connector", cfg.Name).Logger()
	c := &Connector{cfg: cfg, dial: dial, log: log}
	c.requests = &endpoint{
		queue:          cfg.RequestQueue,
		prefetch:       cfg.Prefetch,
		durable:        cfg.Durable,
		autoAck:        cfg.AutoAck,
		confirm:        cfg.PublisherConfirms,
		publishTimeout: cfg.PublishTimeout,
		log:            log,
	}
	c.responses = &endpoint{
		queue:          cfg.ResponseQueue,
		durable:        cfg.Durable,
		autoAck:        cfg.AutoAck,
		confirm:        cfg.PublisherConfirms,
		publishTimeout: cfg.PublishTimeout,
		log:            log,
	}
	return c
}

func (c *Connector) Name() string             { return c.cfg.Name }
func (c *Connector) Ready() bool              { return c.ready.Load() }
func (c *Connector) Requests() core.Endpoint  { return c.requests }
func (c *Connector) Responses() core.Endpoint { return c.responses }

func (c *Connector) NotifyClose(fn func(error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Open dials the broker (retrying a bounded number of times), creates both
// channels and declares both queues. It is a no-op on a ready connector and
// re-establishes everything after the connection was lost.
func (c *Connector) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready.Load() {
		return nil
	}
	c.teardown()

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return err
	}

	var reqCh, resCh Channel
	var g errgroup.Group
	g.Go(func() (err error) {
		reqCh, err = openChannel(conn, c.requests)
		return err
	})
	g.Go(func() (err error) {
		resCh, err = openChannel(conn, c.responses)
		return err
	})
	if err := g.Wait(); err != nil {
		c.requests.unbind()
		c.responses.unbind()
		for _, ch := range []Channel{reqCh, resCh} {
			if ch != nil {
				_ = ch.Close()
			}
		}
		_ = conn.Close()
		return err
	}

	c.conn = conn
	c.channels = []Channel{reqCh, resCh}
	c.gen++
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	reqClosed := reqCh.NotifyClose(make(chan *amqp.Error, 1))
	resClosed := resCh.NotifyClose(make(chan *amqp.Error, 1))
	c.ready.Store(true)
	go c.watch(c.gen, connClosed, reqClosed, resClosed)

	c.log.Info().
		Str("url", redact(c.cfg.URL)).
		Str("request_queue", c.requests.queue).
		Str("response_queue", c.responses.queue).
		Msg("connected to RabbitMQ")
	return nil
}

func openChannel(conn Connection, ep *endpoint) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel for %s: %w", ep.queue, err)
	}
	if err := ep.bind(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

func (c *Connector) dialWithRetry(ctx context.Context) (Connection, error) {
	var dialCfg amqp.Config
	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(c.cfg.TLS)
		if err != nil {
			return nil, err
		}
		dialCfg.TLSClientConfig = tlsCfg
	}
	dialCfg.Heartbeat = 10 * time.Second
	dialCfg.Properties = amqp.NewConnectionProperties()
	dialCfg.Properties.SetClientConnectionName(c.cfg.Name)

	attempts := c.cfg.ReconnectRetries + 1
	var lastErr error
	for attempt := 1; ; attempt++ {
		c.log.Info().Str("url", redact(c.cfg.URL)).Int("attempt", attempt).Msg("connecting")
		conn, err := c.dial(c.cfg.URL, dialCfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt >= attempts {
			break
		}
		c.log.Error().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("delay", c.cfg.RetryDelay).
			Msg("could not connect to RabbitMQ, retrying")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrConnectFailed, ctx.Err())
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, attempts, lastErr)
}

// watch waits for the first close notification of the connection or either
// channel. Errors are logged; readiness is cleared and subscribers notified.
// No reconnect is attempted.
func (c *Connector) watch(gen uint64, closers ...chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-closers[0]:
	case amqpErr = <-closers[1]:
	case amqpErr = <-closers[2]:
	}

	c.mu.Lock()
	if c.gen != gen {
		// closed on purpose or already replaced by a newer Open
		c.mu.Unlock()
		return
	}
	c.ready.Store(false)
	c.requests.unbind()
	c.responses.unbind()
	c.mu.Unlock()

	var err error
	if amqpErr != nil {
		err = amqpErr
		c.log.Error().Err(err).Msg("connection error")
	}
	c.log.Info().Msg("connection closed")

	c.hookMu.Lock()
	hooks := append([]func(error){}, c.hooks...)
	c.hookMu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// Close stops both consumers and closes channels and connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready.Store(false)
	c.gen++

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var firstErr error
	for _, ep := range []*endpoint{c.requests, c.responses} {
		if err := ep.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.teardown(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.log.Info().Msg("RabbitMQ connector closed")
	return firstErr
}

// teardown releases whatever the previous connection left behind.
func (c *Connector) teardown() error {
	c.requests.unbind()
	c.responses.unbind()
	var firstErr error
	for _, ch := range c.channels {
		if err := ch.Close(); err != nil && firstErr == nil && !errors.Is(err, amqp.ErrClosed) {
			firstErr = err
		}
	}
	c.channels = nil
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil && !errors.Is(err, amqp.ErrClosed) {
			firstErr = err
		}
		c.conn = nil
	}
	return firstErr
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
