package nats_test

import (
	"context"
	"errors"
	"testing"
	"time"

	natsconn "github.com/cuongceg/stockbot/internal/connector/nats"
	"github.com/cuongceg/stockbot/internal/core"
	"github.com/cuongceg/stockbot/internal/stream"
	"github.com/rs/zerolog"
)

func startServer(t *testing.T) *stream.EmbeddedNats {
	t.Helper()
	ns, err := stream.StartEmbeddedServer("test", "127.0.0.1:0", zerolog.Nop())
	if err != nil {
		t.Fatalf("embedded nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func newConnector(t *testing.T, url string) *natsconn.NATSConnector {
	t.Helper()
	cfg := natsconn.DefaultConfig()
	cfg.Servers = []string{url}
	cfg.RetryDelay = time.Millisecond
	c := natsconn.NewConnector(cfg, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpen_ConnectsAndIsIdempotent(t *testing.T) {
	ns := startServer(t)
	c := newConnector(t, ns.ClientURL())
	for i := 0; i < 2; i++ {
		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
	}
	if !c.Ready() {
		t.Fatalf("connector must be ready")
	}
	if c.Requests().Queue() != "bot_requests" || c.Responses().Queue() != "bot_responses" {
		t.Fatalf("unexpected subjects %q %q", c.Requests().Queue(), c.Responses().Queue())
	}
}

func TestOpen_FailsAfterRetries(t *testing.T) {
	cfg := natsconn.DefaultConfig()
	cfg.Servers = []string{"nats://127.0.0.1:1"}
	cfg.ReconnectRetries = 1
	cfg.RetryDelay = time.Millisecond
	c := natsconn.NewConnector(cfg, zerolog.Nop())
	err := c.Open(context.Background())
	if !errors.Is(err, core.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if c.Ready() {
		t.Fatalf("must not be ready")
	}
}

func TestPublishConsume_CarriesHeaders(t *testing.T) {
	ns := startServer(t)
	worker := newConnector(t, ns.ClientURL())
	gateway := newConnector(t, ns.ClientURL())
	for _, c := range []*natsconn.NATSConnector{worker, gateway} {
		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("open: %v", err)
		}
	}

	got := make(chan core.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := worker.Requests().Start(ctx, func(_ context.Context, m core.Message) error {
		got <- m
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := gateway.Requests().Publish(context.Background(), core.Message{
		Body:            []byte(`{"type":"stock","arg":"aapl.us"}`),
		CorrelationID:   "corr-1",
		ContentType:     "application/json",
		ContentEncoding: "UTF-8",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-got:
		if m.CorrelationID != "corr-1" || m.ContentType != "application/json" || m.ContentEncoding != "UTF-8" {
			t.Fatalf("headers lost: %+v", m)
		}
		if string(m.Body) != `{"type":"stock","arg":"aapl.us"}` {
			t.Fatalf("body = %s", m.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestQueueGroup_DeliversOnce(t *testing.T) {
	ns := startServer(t)
	a := newConnector(t, ns.ClientURL())
	b := newConnector(t, ns.ClientURL())
	pub := newConnector(t, ns.ClientURL())
	for _, c := range []*natsconn.NATSConnector{a, b, pub} {
		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	hits := make(chan string, 100)
	for name, c := range map[string]*natsconn.NATSConnector{"a": a, "b": b} {
		name := name
		if err := c.Requests().Start(context.Background(), func(context.Context, core.Message) error {
			hits <- name
			return nil
		}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}

	const n = 10
	for i := 0; i < n; i++ {
		if err := pub.Requests().Publish(context.Background(), core.Message{Body: []byte(`{}`)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-hits:
		case <-deadline:
			t.Fatalf("received %d of %d", i, n)
		}
	}
	select {
	case extra := <-hits:
		t.Fatalf("message delivered twice (extra from %s)", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerShutdown_NotifiesClose(t *testing.T) {
	ns := startServer(t)
	c := newConnector(t, ns.ClientURL())
	closed := make(chan struct{}, 1)
	c.NotifyClose(func(error) { closed <- struct{}{} })
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	ns.Shutdown()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("close hook not called")
	}
	if c.Ready() {
		t.Fatalf("ready after server shutdown")
	}
	if err := c.Responses().Publish(context.Background(), core.Message{Body: []byte(`{}`)}); err == nil {
		t.Fatalf("publish must fail once disconnected")
	}
}

func TestClose_DoesNotNotify(t *testing.T) {
	ns := startServer(t)
	c := newConnector(t, ns.ClientURL())
	closed := make(chan struct{}, 1)
	c.NotifyClose(func(error) { closed <- struct{}{} })
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-closed:
		t.Fatalf("hook fired on deliberate close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistry_BuildsNATS(t *testing.T) {
	c, err := core.BuildConnector("nats", natsconn.DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if c.Name() != "nats" {
		t.Fatalf("name = %q", c.Name())
	}
}
