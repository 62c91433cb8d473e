package rabbitmq

import (
	"context"
	"fmt"
	"time"

	core "github.com/cuongceg/stockbot/internal/core"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publish sends msg to the endpoint's queue through the default exchange.
func (e *endpoint) Publish(ctx context.Context, msg core.Message) error {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	ch, confirms := e.channel()
	if ch == nil {
		return fmt.Errorf("publish to %s: %w", e.queue, errNotBound)
	}

	ctx, cancel := e.publishContext(ctx)
	defer cancel()

	pub := amqp.Publishing{
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		CorrelationId:   msg.CorrelationID,
		Body:            msg.Body,
		Timestamp:       time.Now(),
		DeliveryMode: func() uint8 {
			if e.durable {
				return amqp.Persistent
			}
			return amqp.Transient
		}(),
	}

	if err := ch.PublishWithContext(ctx, "", e.queue, false, false, pub); err != nil {
		return fmt.Errorf("publish to %s: %w", e.queue, err)
	}
	if confirms == nil {
		return nil
	}
	e.published++
	tag := e.published

	for {
		select {
		case conf, ok := <-confirms:
			if !ok {
				return fmt.Errorf("publish to %s: channel closed before confirm", e.queue)
			}
			if conf.DeliveryTag < tag {
				// left over from a publish that stopped waiting
				continue
			}
			if !conf.Ack {
				return fmt.Errorf("broker NACKed publish to %s", e.queue)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("publish confirm for %s: %w", e.queue, ctx.Err())
		}
	}
}

// publishContext bounds ctx by the endpoint's publish timeout unless the
// caller's own deadline is already sooner.
func (e *endpoint) publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.publishTimeout <= 0 {
		return ctx, func() {}
	}
	if dl, has := ctx.Deadline(); has && time.Until(dl) <= e.publishTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.publishTimeout)
}
