package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuongceg/stockbot/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	hdrCorrelationID   = "Correlation-Id"
	hdrContentType     = "Content-Type"
	hdrContentEncoding = "Content-Encoding"
)

var errNotConnected = errors.New("nats: not connected")

// NATSConnector runs the bot request/response flow over core NATS. There is
// no queue declaration and no durability; a lost connection is not redialed.
type NATSConnector struct {
	cfg ConnectorConfig
	log zerolog.Logger

	requests  *subjectEndpoint
	responses *subjectEndpoint

	mu  sync.RWMutex
	nc  *nats.Conn
	gen uint64

	hookMu sync.Mutex
	hooks  []func(error)
}

var _ core.Connector = (*NATSConnector)(nil)

func NewConnector(cfg ConnectorConfig, log zerolog.Logger) *NATSConnector {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	log = log.With().Str("connector", cfg.Name).Logger()
	c := &NATSConnector{cfg: cfg, log: log}
	c.requests = &subjectEndpoint{owner: c, subject: cfg.RequestSubject}
	c.responses = &subjectEndpoint{owner: c, subject: cfg.ResponseSubject}
	return c
}

func (c *NATSConnector) Name() string             { return c.cfg.Name }
func (c *NATSConnector) Requests() core.Endpoint  { return c.requests }
func (c *NATSConnector) Responses() core.Endpoint { return c.responses }

func (c *NATSConnector) Ready() bool {
	nc := c.conn()
	return nc != nil && nc.IsConnected()
}

func (c *NATSConnector) NotifyClose(fn func(error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *NATSConnector) conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc
}

func (c *NATSConnector) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil && c.nc.IsConnected() {
		return nil
	}
	if len(c.cfg.Servers) == 0 {
		return errors.New("nats servers not configured")
	}
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}

	c.gen++
	gen := c.gen
	opts := []nats.Option{
		nats.Name(c.cfg.ClientName),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Error().Err(err).Msg("connection error")
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) { c.closed(gen, nc.LastError()) }),
	}
	if c.cfg.TLS.Enabled {
		if c.cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.cfg.TLS.CAFile))
		}
		if c.cfg.TLS.CertFile != "" && c.cfg.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.cfg.TLS.CertFile, c.cfg.TLS.KeyFile))
		}
	}
	// auth chain
	if c.cfg.Auth.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Auth.Token))
	} else if c.cfg.Auth.Username != "" || c.cfg.Auth.Password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Auth.Username, c.cfg.Auth.Password))
	}

	url := strings.Join(c.cfg.Servers, ",")
	attempts := c.cfg.ReconnectRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.log.Info().Str("url", url).Int("attempt", attempt).Msg("connecting")
		nc, err := nats.Connect(url, opts...)
		if err == nil {
			c.nc = nc
			c.log.Info().
				Str("url", nc.ConnectedUrlRedacted()).
				Str("request_subject", c.cfg.RequestSubject).
				Str("response_subject", c.cfg.ResponseSubject).
				Msg("connected to NATS")
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		c.log.Error().Err(err).Int("attempt", attempt).Int("max_attempts", attempts).Msg("could not connect to NATS, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", core.ErrConnectFailed, ctx.Err())
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", core.ErrConnectFailed, attempts, lastErr)
}

// closed runs from the nats.go callback goroutine once the connection is gone.
func (c *NATSConnector) closed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.mu.Unlock()

	c.requests.forget()
	c.responses.forget()
	if err != nil {
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

func (c *NATSConnector) Close() error {
	c.mu.Lock()
	c.gen++
	nc := c.nc
	c.nc = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = c.requests.Stop(ctx)
	_ = c.responses.Stop(ctx)
	if nc != nil {
		nc.Close()
	}
	c.log.Info().Msg("NATS connector closed")
	return nil
}
