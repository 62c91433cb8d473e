// Package rabbitmqtest provides an in-memory broker that satisfies the
// rabbitmq.Connection and rabbitmq.Channel seams. Queues are FIFO, deliveries
// are handed to one consumer at a time and publishes are routed through the
// default exchange by queue name.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuongceg/stockbot/internal/connector/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialRefused is returned by Dial while dial failures are scheduled.
var ErrDialRefused = errors.New("rabbitmqtest: connection refused")

type queue struct {
	name    string
	durable bool
	msgs    chan amqp.Delivery
}

type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queue
	declares   map[string]int
	prefetch   map[string]int
	conns      []*Conn
	failDials  int
	dials      int
	unroutable int
	tag        uint64
	settled    map[uint64]Settlement
	hold       bool
}

// Settlement is how a consumer settled one delivery.
type Settlement struct {
	CorrelationID string
	Acked         bool
	Nacked        bool
	Requeue       bool
}

func New() *Broker {
	return &Broker{
		queues:   map[string]*queue{},
		declares: map[string]int{},
		prefetch: map[string]int{},
		settled:  map[uint64]Settlement{},
	}
}

// Dial matches rabbitmq.Dialer.
func (b *Broker) Dial(url string, _ amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, fmt.Errorf("dial %s: %w", url, ErrDialRefused)
	}
	c := &Conn{b: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// FailDials makes the next n dials fail.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Declared reports how many times queue was declared.
func (b *Broker) Declared(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declares[name]
}

// Durable reports whether queue exists and was declared durable.
func (b *Broker) Durable(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return ok && q.durable
}

// Prefetch is the QoS prefetch count of the channel that last declared queue.
func (b *Broker) Prefetch(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefetch[name]
}

// Queues lists declared queue names.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.queues))
	for name := range b.queues {
		out = append(out, name)
	}
	return out
}

// Depth is the number of messages waiting in queue.
func (b *Broker) Depth(name string) int {
	q := b.queue(name)
	if q == nil {
		return 0
	}
	return len(q.msgs)
}

// Unroutable counts publishes to queues that were never declared.
func (b *Broker) Unroutable() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unroutable
}

// Settled returns the settlement of every delivery carrying corrID that a
// consumer acked, nacked or rejected.
func (b *Broker) Settled(corrID string) []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Settlement
	for _, st := range b.settled {
		if st.CorrelationID == corrID {
			out = append(out, st)
		}
	}
	return out
}

// SettledCount is the number of deliveries settled by consumers so far.
func (b *Broker) SettledCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.settled)
}

// HoldConfirms stops publisher confirms from reaching their listeners until
// ReleaseConfirms is called.
func (b *Broker) HoldConfirms() {
	b.mu.Lock()
	b.hold = true
	b.mu.Unlock()
}

// ReleaseConfirms delivers every held confirm, acked or nacked as given.
func (b *Broker) ReleaseConfirms(ack bool) {
	b.mu.Lock()
	b.hold = false
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		channels := append([]*Channel(nil), c.channels...)
		c.mu.Unlock()
		for _, ch := range channels {
			ch.flushConfirms(ack)
		}
	}
}

func (b *Broker) holding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hold
}

// Publish injects a message into queue as if another client had sent it.
func (b *Broker) Publish(name string, pub amqp.Publishing) error {
	q := b.queue(name)
	if q == nil {
		return fmt.Errorf("rabbitmqtest: no queue %q", name)
	}
	return b.enqueue(context.Background(), q, pub)
}

// Get pops the next message from queue, waiting until ctx is done.
func (b *Broker) Get(ctx context.Context, name string) (amqp.Delivery, error) {
	q := b.queue(name)
	if q == nil {
		return amqp.Delivery{}, fmt.Errorf("rabbitmqtest: no queue %q", name)
	}
	select {
	case d := <-q.msgs:
		return d, nil
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

// Sever closes every live connection as if the broker went away. A nil err
// simulates a graceful close.
func (b *Broker) Sever(err *amqp.Error) {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.shutdown(err)
	}
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

func (b *Broker) declare(name string, durable bool, prefetch int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'durable' for queue '" + name + "'"}
		}
	} else {
		b.queues[name] = &queue{name: name, durable: durable, msgs: make(chan amqp.Delivery, 10000)}
	}
	b.declares[name]++
	b.prefetch[name] = prefetch
	return nil
}

func (b *Broker) nextTag() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tag++
	return b.tag
}

func (b *Broker) enqueue(ctx context.Context, q *queue, pub amqp.Publishing) error {
	d := amqp.Delivery{
		Acknowledger:    acker{b: b, corrID: pub.CorrelationId},
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		CorrelationId:   pub.CorrelationId,
		DeliveryMode:    pub.DeliveryMode,
		Timestamp:       pub.Timestamp,
		RoutingKey:      q.name,
		DeliveryTag:     b.nextTag(),
		Body:            append([]byte(nil), pub.Body...),
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	select {
	case q.msgs <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type acker struct {
	b      *Broker
	corrID string
}

func (a acker) settle(tag uint64, st Settlement) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	if _, done := a.b.settled[tag]; done {
		return fmt.Errorf("rabbitmqtest: delivery %d already settled", tag)
	}
	st.CorrelationID = a.corrID
	a.b.settled[tag] = st
	return nil
}

func (a acker) Ack(tag uint64, _ bool) error {
	return a.settle(tag, Settlement{Acked: true})
}

func (a acker) Nack(tag uint64, _ bool, requeue bool) error {
	return a.settle(tag, Settlement{Nacked: true, Requeue: requeue})
}

func (a acker) Reject(tag uint64, requeue bool) error {
	return a.settle(tag, Settlement{Nacked: true, Requeue: requeue})
}
