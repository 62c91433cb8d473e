package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrBufferFull = errors.New("audit: buffer full")
	ErrClosed     = errors.New("audit: sink closed")
)

// Async queues records and writes them to the wrapped sink on its own
// goroutine, each write bounded by timeout. Record never blocks: when the
// queue is full the record is dropped and ErrBufferFull returned.
type Async struct {
	next    Sink
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

func NewAsync(next Sink, buffer int, timeout time.Duration, log zerolog.Logger) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		log:     log,
		queue:   make(chan Record, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues r. ctx is not used for the write itself, which happens
// after the caller has moved on.
func (a *Async) Record(_ context.Context, r Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- r:
		return nil
	default:
		return ErrBufferFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for r := range a.queue {
		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if a.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
		}
		err := a.next.Record(ctx, r)
		cancel()
		if err != nil {
			a.log.Warn().Err(err).Str("corr_id", r.CorrelationID).Msg("audit write failed")
		}
	}
}

// Close writes what is still queued, then closes the wrapped sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
