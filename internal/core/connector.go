package core

import (
	"context"
	"errors"
)

// ErrConnectFailed is returned by Connector.Open once every dial attempt has
// failed. Owners treat it as fatal.
var ErrConnectFailed = errors.New("could not connect to broker")

// Message is a transport-neutral view of one queued message.
type Message struct {
	Body            []byte
	CorrelationID   string
	ContentType     string
	ContentEncoding string
}

// Handler processes one delivered message. When the endpoint consumes with
// manual acknowledgement a nil error acks the delivery and a non-nil error
// rejects it without requeue.
type Handler func(ctx context.Context, msg Message) error

// Endpoint is one channel bound to one named queue.
type Endpoint interface {
	Queue() string
	Publish(ctx context.Context, msg Message) error
	Start(ctx context.Context, h Handler) error
	Stop(ctx context.Context) error
}

// Connector owns a single broker connection and the two endpoints created on
// it: the request side and the response side.
type Connector interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
	Ready() bool
	Requests() Endpoint
	Responses() Endpoint
	// NotifyClose registers fn to be called whenever an open connection is
	// lost. err is nil for a graceful close.
	NotifyClose(fn func(err error))
}
