// Package gateway sends bot commands over the request queue and matches the
// replies arriving on the response queue to their callers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongceg/stockbot/internal/core"
	"github.com/cuongceg/stockbot/internal/protocol"
	"github.com/cuongceg/stockbot/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"
)

// maxIDAttempts bounds how often a colliding correlation id is regenerated.
const maxIDAttempts = 8

type Gateway struct {
	conn    core.Connector
	log     zerolog.Logger
	tel     *telemetry.Instruments
	timeout time.Duration
	newID   func() (string, error)

	pending *pendingCalls

	consuming   atomic.Bool
	hookOnce    sync.Once
	mu          sync.Mutex
	stopConsume context.CancelFunc
}

func New(conn core.Connector, opts ...Option) *Gateway {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.tel == nil {
		o.tel = telemetry.Nop()
	}
	return &Gateway{
		conn:    conn,
		log:     o.log.With().Str("component", "gateway").Logger(),
		tel:     o.tel,
		timeout: o.timeout,
		newID:   o.newID,
		pending: newPendingCalls(),
	}
}

// Ready reports whether Send can publish.
func (g *Gateway) Ready() bool { return g.consuming.Load() && g.conn.Ready() }

// Pending is the number of calls still waiting for a reply.
func (g *Gateway) Pending() int { return g.pending.len() }

// Initialize opens the connector and starts consuming the response queue.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Ready() {
		return nil
	}
	g.hookOnce.Do(func() { g.conn.NotifyClose(g.connectionLost) })

	if err := g.conn.Open(ctx); err != nil {
		return err
	}
	if g.stopConsume != nil {
		g.stopConsume()
	}
	if err := g.conn.Responses().Stop(ctx); err != nil {
		return err
	}
	consumeCtx, cancel := context.WithCancel(context.Background())
	if err := g.conn.Responses().Start(consumeCtx, g.handleResponse); err != nil {
		cancel()
		return fmt.Errorf("start consuming %s: %w", g.conn.Responses().Queue(), err)
	}
	g.stopConsume = cancel
	g.consuming.Store(true)
	g.log.Info().Str("queue", g.conn.Responses().Queue()).Dur("timeout", g.timeout).Msg("gateway ready")
	return nil
}

// Close fails every outstanding call and closes the connector.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consuming.Store(false)
	if g.stopConsume != nil {
		g.stopConsume()
		g.stopConsume = nil
	}
	g.failAll(&protocol.Failure{Message: "bot connector closed", Kind: protocol.ErrConnectionClosed})
	return g.conn.Close()
}

// SendCommand is Send for a command name and argument.
func (g *Gateway) SendCommand(ctx context.Context, typ string, arg any) (*protocol.Response, error) {
	return g.Send(ctx, protocol.Request{Type: typ, Arg: arg})
}

// Send publishes req and waits for the correlated reply. Every rejection is
// a *protocol.Failure; a reply with error=true yields one with Kind
// protocol.ErrRemote and the decoded Response attached.
func (g *Gateway) Send(ctx context.Context, req protocol.Request) (resp *protocol.Response, err error) {
	start := time.Now()
	if !g.Ready() {
		g.log.Error().Str("command", req.Type).Msg("message dropped: not ready")
		return nil, &protocol.Failure{Message: "bot connector not ready", Kind: protocol.ErrNotReady}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &protocol.Failure{Message: "could not serialize request", Kind: protocol.ErrSerialize, Cause: err}
	}

	id, c, err := g.register()
	if err != nil {
		return nil, &protocol.Failure{Message: "could not allocate correlation id", Kind: protocol.ErrPublish, Cause: err}
	}
	// the entry goes away on every path, including timeout and publish errors
	defer g.pending.remove(id)

	log := g.log.With().Str("corr_id", id).Str("command", req.Type).Logger()
	ctx, end := g.tel.StartSpan(ctx, "gateway.send", id, trace.SpanKindProducer)
	defer func() {
		end(err)
		failed, code := err != nil, ""
		if f, ok := protocol.AsFailure(err); ok {
			code = f.Code
		}
		g.tel.Record(ctx, req.Type, failed, code, time.Since(start))
	}()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	log.Debug().Bytes("body", body).Msg("sending request")
	if err := g.conn.Requests().Publish(ctx, core.Message{
		Body:            body,
		CorrelationID:   id,
		ContentType:     protocol.ContentType,
		ContentEncoding: protocol.ContentEncoding,
	}); err != nil {
		log.Error().Err(err).Msg("publish failed")
		return nil, &protocol.Failure{Message: "could not publish request", Kind: protocol.ErrPublish, Cause: err}
	}

	select {
	case r := <-c.done:
		log.Debug().Err(r.err).Dur("took", time.Since(start)).Msg("reply received")
		return r.resp, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn().Dur("after", time.Since(start)).Msg("request timed out")
			return nil, &protocol.Failure{Message: "bot did not answer in time", Kind: protocol.ErrTimeout, Cause: ctx.Err()}
		}
		return nil, &protocol.Failure{Message: "request cancelled", Cause: ctx.Err()}
	}
}

// register reserves a fresh correlation id. A generated id that collides with
// an outstanding one is discarded.
func (g *Gateway) register() (string, *call, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := g.newID()
		if err != nil {
			return "", nil, err
		}
		if c, ok := g.pending.add(id); ok {
			return id, c, nil
		}
		g.log.Warn().Str("corr_id", id).Msg("correlation id collision, regenerating")
	}
	return "", nil, errors.New("correlation id generator keeps colliding")
}

// handleResponse resolves the call waiting for msg's correlation id. It never
// returns an error: a reply nobody waits for is logged and discarded.
func (g *Gateway) handleResponse(_ context.Context, msg core.Message) error {
	log := g.log.With().Str("corr_id", msg.CorrelationID).Logger()
	if !g.conn.Ready() {
		log.Error().Msg("message dropped: not ready")
		return nil
	}
	c, ok := g.pending.take(msg.CorrelationID)
	if !ok {
		log.Warn().Msg("discarding reply with no pending request")
		return nil
	}

	if !gjson.ValidBytes(msg.Body) {
		c.done <- result{err: &protocol.Failure{
			Message: "could not deserialize response",
			Kind:    protocol.ErrDeserialize,
			Cause:   errors.New("reply is not valid JSON"),
		}}
		return nil
	}
	resp, err := protocol.ParseResponse(msg.Body)
	switch {
	case err != nil:
		c.done <- result{err: &protocol.Failure{Message: "could not deserialize response", Kind: protocol.ErrDeserialize, Cause: err}}
	case resp.Error:
		c.done <- result{err: protocol.RemoteFailure(resp)}
	default:
		c.done <- result{resp: resp}
	}
	return nil
}

// connectionLost rejects every outstanding call so no caller waits for its
// timeout after the broker went away.
func (g *Gateway) connectionLost(err error) {
	g.consuming.Store(false)
	n := g.failAll(&protocol.Failure{Message: "bot connection closed", Kind: protocol.ErrConnectionClosed, Cause: err})
	g.log.Error().Err(err).Int("failed_calls", n).Msg("gateway lost its broker connection")
}

func (g *Gateway) failAll(f *protocol.Failure) int {
	calls := g.pending.drain()
	for _, c := range calls {
		c.done <- result{err: f}
	}
	return len(calls)
}
