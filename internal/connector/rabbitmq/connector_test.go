package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongceg/stockbot/internal/connector/rabbitmq"
	"github.com/cuongceg/stockbot/internal/connector/rabbitmq/rabbitmqtest"
	"github.com/cuongceg/stockbot/internal/core"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func newConnector(t *testing.T, b *rabbitmqtest.Broker, mutate ...func(*rabbitmq.Config)) *rabbitmq.Connector {
	t.Helper()
	cfg := rabbitmq.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.Dial = b.Dial
	for _, m := range mutate {
		m(&cfg)
	}
	c := rabbitmq.NewConnector(cfg, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpen_DeclaresBothQueues(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !c.Ready() {
		t.Fatalf("connector must be ready after open")
	}
	for _, q := range []string{"bot_requests", "bot_responses"} {
		if b.Declared(q) != 1 {
			t.Fatalf("%s declared %d times, want 1", q, b.Declared(q))
		}
		if !b.Durable(q) {
			t.Fatalf("%s must be durable", q)
		}
	}
	if got := b.Prefetch("bot_requests"); got != 1 {
		t.Fatalf("request prefetch = %d, want 1", got)
	}
	if got := b.Prefetch("bot_responses"); got != 0 {
		t.Fatalf("response channel must not set prefetch, got %d", got)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b)
	for i := 0; i < 3; i++ {
		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
	}
	if b.Dials() != 1 {
		t.Fatalf("dials = %d, want 1", b.Dials())
	}
}

func TestOpen_SharedQueuesAcrossConnectors(t *testing.T) {
	b := rabbitmqtest.New()
	worker := newConnector(t, b)
	gateway := newConnector(t, b)
	if err := worker.Open(context.Background()); err != nil {
		t.Fatalf("worker open: %v", err)
	}
	if err := gateway.Open(context.Background()); err != nil {
		t.Fatalf("gateway open: %v", err)
	}
	if n := len(b.Queues()); n != 2 {
		t.Fatalf("queues = %v, want exactly two", b.Queues())
	}
}

func TestOpen_RetriesThenSucceeds(t *testing.T) {
	b := rabbitmqtest.New()
	b.FailDials(2)
	c := newConnector(t, b)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if b.Dials() != 3 {
		t.Fatalf("dials = %d, want 3", b.Dials())
	}
}

func TestOpen_GivesUpAfterRetries(t *testing.T) {
	b := rabbitmqtest.New()
	b.FailDials(100)
	c := newConnector(t, b, func(cfg *rabbitmq.Config) { cfg.ReconnectRetries = 2 })
	err := c.Open(context.Background())
	if !errors.Is(err, rabbitmq.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if !errors.Is(err, rabbitmqtest.ErrDialRefused) {
		t.Fatalf("last dial error must be wrapped, got %v", err)
	}
	if b.Dials() != 3 {
		t.Fatalf("dials = %d, want 3", b.Dials())
	}
	if c.Ready() {
		t.Fatalf("connector must not be ready")
	}
}

func TestOpen_ZeroRetriesDialsOnce(t *testing.T) {
	b := rabbitmqtest.New()
	b.FailDials(1)
	c := newConnector(t, b, func(cfg *rabbitmq.Config) { cfg.ReconnectRetries = 0 })
	if err := c.Open(context.Background()); !errors.Is(err, rabbitmq.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if b.Dials() != 1 {
		t.Fatalf("dials = %d, want 1", b.Dials())
	}
}

func TestOpen_ContextCancelledDuringRetry(t *testing.T) {
	b := rabbitmqtest.New()
	b.FailDials(100)
	c := newConnector(t, b, func(cfg *rabbitmq.Config) {
		cfg.ReconnectRetries = 50
		cfg.RetryDelay = time.Hour
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Open(ctx)
	if !errors.Is(err, rabbitmq.ErrConnectFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrConnectFailed wrapping deadline, got %v", err)
	}
}

func TestPublishConsume_RoundTrip(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	got := make(chan core.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := c.Requests().Start(ctx, func(_ context.Context, m core.Message) error {
		got <- m
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := core.Message{
		Body:            []byte(`{"type":"stock","arg":"aapl.us"}`),
		CorrelationID:   "abc",
		ContentType:     "application/json",
		ContentEncoding: "UTF-8",
	}
	if err := c.Requests().Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-got:
		if m.CorrelationID != "abc" || string(m.Body) != string(msg.Body) {
			t.Fatalf("unexpected message %+v", m)
		}
		if m.ContentType != "application/json" || m.ContentEncoding != "UTF-8" {
			t.Fatalf("content properties lost: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestPublish_PersistentWhenDurable(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Responses().Publish(context.Background(), core.Message{Body: []byte(`{}`), CorrelationID: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := b.Get(ctx, "bot_responses")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.DeliveryMode != amqp.Persistent {
		t.Fatalf("delivery mode = %d, want persistent", d.DeliveryMode)
	}
	if d.CorrelationId != "x" {
		t.Fatalf("correlation id = %q", d.CorrelationId)
	}
}

func TestPublish_WithConfirms(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b, func(cfg *rabbitmq.Config) { cfg.PublisherConfirms = true })
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := c.Requests().Publish(context.Background(), core.Message{Body: []byte(`{}`)}); err != nil {
			t.Fatalf("publish #%d: %v", i, err)
		}
	}
	if b.Depth("bot_requests") != 5 {
		t.Fatalf("depth = %d, want 5", b.Depth("bot_requests"))
	}
}

func TestPublish_TimeoutBoundsLongerDeadline(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b, func(cfg *rabbitmq.Config) {
		cfg.PublisherConfirms = true
		cfg.PublishTimeout = 50 * time.Millisecond
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	b.HoldConfirms()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	err := c.Responses().Publish(ctx, core.Message{Body: []byte(`{}`), CorrelationID: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("publish waited %v, want it bounded by the publish timeout", took)
	}
}

func TestPublish_SkipsConfirmOfAbandonedPublish(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b, func(cfg *rabbitmq.Config) {
		cfg.PublisherConfirms = true
		cfg.PublishTimeout = 50 * time.Millisecond
	})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	b.HoldConfirms()
	if err := c.Responses().Publish(context.Background(), core.Message{Body: []byte(`{}`), CorrelationID: "first"}); err == nil {
		t.Fatalf("first publish must time out while confirms are held")
	}
	// the late confirm for the first publish is a nack; it must not be
	// taken as the answer to the second one
	b.ReleaseConfirms(false)

	if err := c.Responses().Publish(context.Background(), core.Message{Body: []byte(`{}`), CorrelationID: "second"}); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if err := c.Responses().Publish(context.Background(), core.Message{Body: []byte(`{}`), CorrelationID: "third"}); err != nil {
		t.Fatalf("third publish: %v", err)
	}
}

func TestPublish_NotOpen(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b)
	if err := c.Requests().Publish(context.Background(), core.Message{Body: []byte(`{}`)}); err == nil {
		t.Fatalf("publish on closed connector must fail")
	}
}

func TestStart_SequentialDelivery(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	const n = 20
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		order    []string
	)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := c.Requests().Start(ctx, func(_ context.Context, m core.Message) error {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		order = append(order, m.CorrelationID)
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		if err := c.Requests().Publish(context.Background(), core.Message{Body: []byte(`{}`), CorrelationID: id}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("only %d of %d handled", len(order), n)
	}
	if maxSeen != 1 {
		t.Fatalf("handler ran concurrently: max in flight %d", maxSeen)
	}
	for i, id := range order {
		if id != string(rune('a'+i)) {
			t.Fatalf("delivery %d out of order: %q", i, id)
		}
	}
}

func TestStart_Twice(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	h := func(context.Context, core.Message) error { return nil }
	if err := c.Requests().Start(context.Background(), h); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Requests().Start(context.Background(), h); err == nil {
		t.Fatalf("second start must fail")
	}
}

func TestStart_ManualAck(t *testing.T) {
	failHandler := func(_ context.Context, m core.Message) error {
		if m.CorrelationID == "bad" {
			return errors.New("handler failed")
		}
		return nil
	}

	cases := []struct {
		name    string
		autoAck bool
		want    map[string]rabbitmqtest.Settlement
	}{
		{
			name:    "manual",
			autoAck: false,
			want: map[string]rabbitmqtest.Settlement{
				"good": {CorrelationID: "good", Acked: true},
				"bad":  {CorrelationID: "bad", Nacked: true, Requeue: false},
			},
		},
		{
			name:    "auto",
			autoAck: true,
			want:    map[string]rabbitmqtest.Settlement{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := rabbitmqtest.New()
			c := newConnector(t, b, func(cfg *rabbitmq.Config) { cfg.AutoAck = tc.autoAck })
			if err := c.Open(context.Background()); err != nil {
				t.Fatalf("open: %v", err)
			}

			handled := make(chan string, 4)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			err := c.Requests().Start(ctx, func(ctx context.Context, m core.Message) error {
				err := failHandler(ctx, m)
				handled <- m.CorrelationID
				return err
			})
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			for _, id := range []string{"good", "bad", "last"} {
				if err := c.Requests().Publish(context.Background(), core.Message{Body: []byte(`{}`), CorrelationID: id}); err != nil {
					t.Fatalf("publish %s: %v", id, err)
				}
			}
			for i := 0; i < 3; i++ {
				select {
				case <-handled:
				case <-time.After(2 * time.Second):
					t.Fatalf("only %d of 3 handled", i)
				}
			}
			// "last" is settled after the loop gets back from its handler;
			// stopping the consumer waits for that
			if err := c.Requests().Stop(context.Background()); err != nil {
				t.Fatalf("stop: %v", err)
			}

			if tc.autoAck {
				if n := b.SettledCount(); n != 0 {
					t.Fatalf("auto-ack consumer settled %d deliveries, want none", n)
				}
				return
			}
			for id, want := range tc.want {
				got := b.Settled(id)
				if len(got) != 1 {
					t.Fatalf("%s settled %d times, want once", id, len(got))
				}
				if got[0] != want {
					t.Fatalf("%s settled as %+v, want %+v", id, got[0], want)
				}
			}
		})
	}
}

func TestSever_ClearsReadyAndNotifies(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b)
	notified := make(chan error, 1)
	c.NotifyClose(func(err error) { notified <- err })
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	b.Sever(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker shutdown"})

	select {
	case err := <-notified:
		var amqpErr *amqp.Error
		if !errors.As(err, &amqpErr) || amqpErr.Code != amqp.ConnectionForced {
			t.Fatalf("expected connection forced, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close hook not called")
	}
	if c.Ready() {
		t.Fatalf("connector still ready after connection loss")
	}
	if err := c.Requests().Publish(context.Background(), core.Message{Body: []byte(`{}`)}); err == nil {
		t.Fatalf("publish after connection loss must fail")
	}

	// a fresh Open re-establishes the connection
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !c.Ready() || b.Dials() != 2 {
		t.Fatalf("reopen: ready=%v dials=%d", c.Ready(), b.Dials())
	}
}

func TestClose_DoesNotFireHooks(t *testing.T) {
	b := rabbitmqtest.New()
	c := newConnector(t, b)
	var called bool
	var mu sync.Mutex
	c.NotifyClose(func(error) { mu.Lock(); called = true; mu.Unlock() })
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Requests().Start(context.Background(), func(context.Context, core.Message) error { return nil }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Fatalf("close hook fired on deliberate close")
	}
	if c.Ready() {
		t.Fatalf("ready after close")
	}
}

func TestRegistry_BuildsRabbitMQ(t *testing.T) {
	b := rabbitmqtest.New()
	cfg := rabbitmq.DefaultConfig()
	cfg.Dial = b.Dial
	c, err := core.BuildConnector("rabbitmq", cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if c.Name() != "rabbitmq" {
		t.Fatalf("name = %q", c.Name())
	}
	if _, err := core.BuildConnector("rabbitmq", 42, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for wrong config type")
	}
}
