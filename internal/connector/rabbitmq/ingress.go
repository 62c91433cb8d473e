package rabbitmq

import (
	"context"
	"fmt"

	core "github.com/cuongceg/stockbot/internal/core"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Start consumes the endpoint's queue and calls h for every delivery, one at
// a time, on a single goroutine.
func (e *endpoint) Start(ctx context.Context, h core.Handler) error {
	if h == nil {
		return fmt.Errorf("consume %s: handler required", e.queue)
	}
	e.mu.Lock()
	ch := e.ch
	if ch == nil {
		e.mu.Unlock()
		return fmt.Errorf("consume %s: %w", e.queue, errNotBound)
	}
	if e.doneCh != nil {
		e.mu.Unlock()
		return fmt.Errorf("consume %s: already consuming", e.queue)
	}
	tag := "stockbot." + e.queue
	deliveries, err := ch.Consume(
		e.queue,
		tag,
		e.autoAck,
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("consume %s: %w", e.queue, err)
	}
	done := make(chan struct{})
	e.consumerTag = tag
	e.doneCh = done
	e.mu.Unlock()

	go e.loop(ctx, ch, tag, deliveries, h, done)
	e.log.Info().Str("queue", e.queue).Bool("auto_ack", e.autoAck).Msg("consuming")
	return nil
}

func (e *endpoint) loop(ctx context.Context, ch Channel, tag string, deliveries <-chan amqp.Delivery, h core.Handler, done chan struct{}) {
	defer func() {
		e.mu.Lock()
		if e.doneCh == done {
			e.doneCh = nil
		}
		e.mu.Unlock()
		close(done)
	}()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			msg := core.Message{
				Body:            d.Body,
				CorrelationID:   d.CorrelationId,
				ContentType:     d.ContentType,
				ContentEncoding: d.ContentEncoding,
			}
			err := h(ctx, msg)
			if e.autoAck {
				// the broker already considers the delivery settled
				continue
			}
			if err != nil {
				if nackErr := d.Nack(false, false); nackErr != nil {
					e.log.Error().Err(nackErr).Str("queue", e.queue).Msg("nack failed")
				}
			} else if ackErr := d.Ack(false); ackErr != nil {
				e.log.Error().Err(ackErr).Str("queue", e.queue).Msg("ack failed")
			}
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return
		}
	}
}

// Stop cancels the consumer and waits for the delivery loop to return.
func (e *endpoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	ch, tag, done := e.ch, e.consumerTag, e.doneCh
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	if ch != nil {
		_ = ch.Cancel(tag, false)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop consumer on %s: %w", e.queue, ctx.Err())
	}
}
