package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuongceg/stockbot/internal/connector/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Conn struct {
	b *Broker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, consumers: map[string]chan struct{}{}}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) Close() error { return c.shutdown(nil) }

func (c *Conn) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels, notify := c.channels, c.notify
	c.channels, c.notify = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.shutdown(err)
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	return nil
}

type Channel struct {
	conn *Conn

	mu        sync.Mutex
	closed    bool
	prefetch  int
	confirm   bool
	confirms  []chan amqp.Confirmation
	notify    []chan *amqp.Error
	consumers map[string]chan struct{}
	seq       uint64
	held      []uint64
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	closed, prefetch := ch.closed, ch.prefetch
	ch.mu.Unlock()
	if closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if err := ch.conn.b.declare(name, durable, prefetch); err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: name, Messages: ch.conn.b.Depth(name)}, nil
}

func (ch *Channel) Consume(queueName, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	q := ch.conn.b.queue(queueName)
	if q == nil {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'"}
	}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if _, dup := ch.consumers[consumer]; dup {
		ch.mu.Unlock()
		return nil, fmt.Errorf("rabbitmqtest: consumer tag %q in use", consumer)
	}
	done := make(chan struct{})
	ch.consumers[consumer] = done
	ch.mu.Unlock()

	out := make(chan amqp.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d := <-q.msgs:
				d.ConsumerTag = consumer
				select {
				case out <- d:
				case <-done:
					q.msgs <- d // requeue
					return
				}
			case <-done:
				return
			}
		}
	}()
	return out, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.mu.Unlock()

	b := ch.conn.b
	q := b.queue(key)
	if q == nil {
		b.mu.Lock()
		b.unroutable++
		b.mu.Unlock()
	} else if err := b.enqueue(ctx, q, msg); err != nil {
		return err
	}

	hold := b.holding()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.confirm {
		return nil
	}
	ch.seq++
	if hold {
		ch.held = append(ch.held, ch.seq)
		return nil
	}
	for _, tag := range ch.held {
		ch.sendConfirm(amqp.Confirmation{DeliveryTag: tag, Ack: true})
	}
	ch.held = nil
	ch.sendConfirm(amqp.Confirmation{DeliveryTag: ch.seq, Ack: true})
	return nil
}

// sendConfirm must be called with ch.mu held.
func (ch *Channel) sendConfirm(conf amqp.Confirmation) {
	for _, c := range ch.confirms {
		select {
		case c <- conf:
		default: // receiver is behind; drop like a slow listener would miss it
		}
	}
}

func (ch *Channel) flushConfirms(ack bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, tag := range ch.held {
		ch.sendConfirm(amqp.Confirmation{DeliveryTag: tag, Ack: ack})
	}
	ch.held = nil
}

func (ch *Channel) Confirm(bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notify = append(ch.notify, c)
	return c
}

func (ch *Channel) Cancel(consumer string, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if done, ok := ch.consumers[consumer]; ok {
		close(done)
		delete(ch.consumers, consumer)
	}
	return nil
}

func (ch *Channel) Close() error { return ch.shutdown(nil) }

func (ch *Channel) shutdown(err *amqp.Error) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	for tag, done := range ch.consumers {
		close(done)
		delete(ch.consumers, tag)
	}
	confirms, notify := ch.confirms, ch.notify
	ch.confirms, ch.notify = nil, nil
	ch.mu.Unlock()

	for _, c := range confirms {
		close(c)
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	return nil
}

var (
	_ rabbitmq.Connection = (*Conn)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
)
