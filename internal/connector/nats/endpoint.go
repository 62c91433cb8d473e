package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuongceg/stockbot/internal/core"
	"github.com/nats-io/nats.go"
)

// subjectEndpoint publishes to and queue-subscribes on one subject. nats.go
// delivers to each subscription on its own goroutine, in order, so the
// handler never runs concurrently with itself.
type subjectEndpoint struct {
	owner   *NATSConnector
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
}

var _ core.Endpoint = (*subjectEndpoint)(nil)

func (e *subjectEndpoint) Queue() string { return e.subject }

func (e *subjectEndpoint) Publish(ctx context.Context, msg core.Message) error {
	nc := e.owner.conn()
	if nc == nil || !nc.IsConnected() {
		return fmt.Errorf("publish to %s: %w", e.subject, errNotConnected)
	}
	nmsg := &nats.Msg{Subject: e.subject, Data: msg.Body, Header: nats.Header{}}
	if msg.CorrelationID != "" {
		nmsg.Header.Set(hdrCorrelationID, msg.CorrelationID)
	}
	if msg.ContentType != "" {
		nmsg.Header.Set(hdrContentType, msg.ContentType)
	}
	if msg.ContentEncoding != "" {
		nmsg.Header.Set(hdrContentEncoding, msg.ContentEncoding)
	}
	if err := nc.PublishMsg(nmsg); err != nil {
		return fmt.Errorf("publish to %s: %w", e.subject, err)
	}
	if e.owner.cfg.PublishTimeout <= 0 {
		return nil
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.owner.cfg.PublishTimeout)
		defer cancel()
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", e.subject, err)
	}
	return nil
}

func (e *subjectEndpoint) Start(ctx context.Context, h core.Handler) error {
	if h == nil {
		return errors.New("handler required")
	}
	nc := e.owner.conn()
	if nc == nil || !nc.IsConnected() {
		return fmt.Errorf("subscribe %s: %w", e.subject, errNotConnected)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub != nil {
		return fmt.Errorf("subscribe %s: already consuming", e.subject)
	}
	sub, err := nc.QueueSubscribe(e.subject, e.owner.cfg.QueueGroup, func(m *nats.Msg) {
		e.handle(ctx, m, h)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", e.subject, err)
	}
	e.sub = sub
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			e.release(sub)
		}()
	}
	e.owner.log.Info().Str("subject", e.subject).Str("queue_group", e.owner.cfg.QueueGroup).Msg("consuming")
	return nc.Flush()
}

func (e *subjectEndpoint) handle(ctx context.Context, m *nats.Msg, h core.Handler) {
	msg := core.Message{Body: m.Data}
	if m.Header != nil {
		msg.CorrelationID = m.Header.Get(hdrCorrelationID)
		msg.ContentType = m.Header.Get(hdrContentType)
		msg.ContentEncoding = m.Header.Get(hdrContentEncoding)
	}
	if err := h(ctx, msg); err != nil {
		e.owner.log.Error().Err(err).Str("subject", e.subject).Msg("handler error")
	}
}

// Stop unsubscribes; messages already handed to the callback still finish.
func (e *subjectEndpoint) Stop(context.Context) error {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	if sub == nil {
		return nil
	}
	return unsubscribe(sub)
}

// release unsubscribes sub if it is still the current subscription; a
// later Start may already have replaced it.
func (e *subjectEndpoint) release(sub *nats.Subscription) {
	e.mu.Lock()
	current := e.sub == sub
	if current {
		e.sub = nil
	}
	e.mu.Unlock()
	if current {
		if err := unsubscribe(sub); err != nil {
			e.owner.log.Warn().Err(err).Str("subject", e.subject).Msg("unsubscribe failed")
		}
	}
}

func unsubscribe(sub *nats.Subscription) error {
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

// forget drops the subscription handle after the connection is gone.
func (e *subjectEndpoint) forget() {
	e.mu.Lock()
	e.sub = nil
	e.mu.Unlock()
}
