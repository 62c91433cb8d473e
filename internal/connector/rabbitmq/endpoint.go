package rabbitmq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	core "github.com/cuongceg/stockbot/internal/core"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var errNotBound = errors.New("rabbitmq: channel not open")

// confirmBuffer leaves room for confirms of publishes that gave up waiting;
// the next publish skips them by delivery tag.
const confirmBuffer = 64

// endpoint is one channel bound to one queue. The channel is attached on
// Open and detached when the connection goes away; the endpoint itself lives
// as long as the connector.
type endpoint struct {
	queue          string
	prefetch       int
	durable        bool
	autoAck        bool
	confirm        bool
	publishTimeout time.Duration
	log            zerolog.Logger

	mu          sync.Mutex
	ch          Channel
	confirms    <-chan amqp.Confirmation
	published   uint64 // delivery tag of the last publish on ch, under pubMu
	consumerTag string
	doneCh      chan struct{}

	pubMu sync.Mutex // publishes are sequential so confirm tags follow published
}

var _ core.Endpoint = (*endpoint)(nil)

func (e *endpoint) Queue() string { return e.queue }

// bind sets QoS, declares the queue and turns on confirms if configured.
func (e *endpoint) bind(ch Channel) error {
	if e.prefetch > 0 {
		if err := ch.Qos(e.prefetch, 0, false); err != nil {
			return fmt.Errorf("set QoS on %s: %w", e.queue, err)
		}
	}
	if _, err := ch.QueueDeclare(e.queue, e.durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", e.queue, err)
	}
	var confirms <-chan amqp.Confirmation
	if e.confirm {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("enable confirms on %s: %w", e.queue, err)
		}
		confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	}

	e.pubMu.Lock()
	e.published = 0
	e.pubMu.Unlock()

	e.mu.Lock()
	e.ch = ch
	e.confirms = confirms
	e.mu.Unlock()
	return nil
}

func (e *endpoint) unbind() {
	e.mu.Lock()
	e.ch = nil
	e.confirms = nil
	e.mu.Unlock()
}

func (e *endpoint) channel() (Channel, <-chan amqp.Confirmation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch, e.confirms
}
