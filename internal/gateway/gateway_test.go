package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongceg/stockbot/internal/connector/rabbitmq"
	"github.com/cuongceg/stockbot/internal/connector/rabbitmq/rabbitmqtest"
	"github.com/cuongceg/stockbot/internal/core"
	"github.com/cuongceg/stockbot/internal/protocol"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func newGateway(t *testing.T, opts ...Option) (*Gateway, *rabbitmqtest.Broker) {
	t.Helper()
	b := rabbitmqtest.New()
	cfg := rabbitmq.DefaultConfig()
	cfg.Dial = b.Dial
	cfg.RetryDelay = time.Millisecond
	conn := rabbitmq.NewConnector(cfg, zerolog.Nop())
	g := New(conn, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	t.Cleanup(func() { _ = g.Close() })
	return g, b
}

func initialize(t *testing.T, g *Gateway) {
	t.Helper()
	if err := g.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

// nextRequest waits for the next request the gateway published.
func nextRequest(t *testing.T, b *rabbitmqtest.Broker) amqp.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := b.Get(ctx, "bot_requests")
	if err != nil {
		t.Errorf("no request published: %v", err)
	}
	return d
}

func reply(t *testing.T, b *rabbitmqtest.Broker, corrID, body string) {
	t.Helper()
	if err := b.Publish("bot_responses", amqp.Publishing{CorrelationId: corrID, ContentType: "application/json", Body: []byte(body)}); err != nil {
		t.Errorf("reply: %v", err)
	}
}

type sendResult struct {
	resp *protocol.Response
	err  error
}

func sendAsync(g *Gateway, req protocol.Request) <-chan sendResult {
	out := make(chan sendResult, 1)
	go func() {
		resp, err := g.Send(context.Background(), req)
		out <- sendResult{resp, err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("send did not return")
		return sendResult{}
	}
}

func TestSend_RoundTrip(t *testing.T) {
	g, b := newGateway(t)
	initialize(t, g)

	res := sendAsync(g, protocol.Request{Type: "stock", Arg: "AAPL"})
	d := nextRequest(t, b)

	var req map[string]any
	if err := json.Unmarshal(d.Body, &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if req["type"] != "stock" || req["arg"] != "AAPL" {
		t.Fatalf("unexpected request %v", req)
	}
	if d.CorrelationId == "" || d.ContentType != "application/json" || d.ContentEncoding != "UTF-8" {
		t.Fatalf("unexpected properties id=%q type=%q enc=%q", d.CorrelationId, d.ContentType, d.ContentEncoding)
	}
	if g.Pending() != 1 {
		t.Fatalf("pending = %d while waiting", g.Pending())
	}

	const answer = `{"error":false,"message":"AAPL quote is $100"}`
	reply(t, b, d.CorrelationId, answer)

	r := wait(t, res)
	if r.err != nil {
		t.Fatalf("send: %v", r.err)
	}
	if string(r.resp.Raw) != answer || r.resp.Message != "AAPL quote is $100" || r.resp.Error {
		t.Fatalf("unexpected response %+v", r.resp)
	}
	if g.Pending() != 0 {
		t.Fatalf("registry not empty: %d", g.Pending())
	}
}

func TestSend_OutOfOrderRepliesLeaveRegistryEmpty(t *testing.T) {
	for _, n := range []int{1, 2, 100} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			g, b := newGateway(t)
			initialize(t, g)

			results := make([]<-chan sendResult, n)
			for i := 0; i < n; i++ {
				results[i] = sendAsync(g, protocol.Request{Type: "echo", Arg: i})
			}

			reqs := make([]amqp.Delivery, n)
			for i := range reqs {
				reqs[i] = nextRequest(t, b)
			}
			// answer newest first
			for i := len(reqs) - 1; i >= 0; i-- {
				d := reqs[i]
				arg := requestArg(t, d.Body)
				reply(t, b, d.CorrelationId, fmt.Sprintf(`{"error":false,"results":%s}`, arg))
			}

			for i, ch := range results {
				r := wait(t, ch)
				if r.err != nil {
					t.Fatalf("send %d: %v", i, r.err)
				}
				if string(r.resp.Results) != fmt.Sprint(i) {
					t.Fatalf("send %d got reply for %s", i, r.resp.Results)
				}
			}
			if g.Pending() != 0 {
				t.Fatalf("registry leaked %d entries", g.Pending())
			}
		})
	}
}

func requestArg(t *testing.T, body []byte) string {
	t.Helper()
	var req struct {
		Arg json.RawMessage `json:"arg"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	return string(req.Arg)
}

func TestSend_UniqueCorrelationIDs(t *testing.T) {
	g, b := newGateway(t)
	initialize(t, g)
	const n = 50
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Send(ctx, protocol.Request{Type: "stock", Arg: "X"})
		}()
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		d := nextRequest(t, b)
		if seen[d.CorrelationId] {
			t.Fatalf("duplicate correlation id %s", d.CorrelationId)
		}
		seen[d.CorrelationId] = true
	}
	cancel()
	wg.Wait()
	if g.Pending() != 0 {
		t.Fatalf("cancelled sends leaked %d entries", g.Pending())
	}
}

func TestSend_NotReady(t *testing.T) {
	g, _ := newGateway(t)
	_, err := g.Send(context.Background(), protocol.Request{Type: "stock", Arg: "AAPL"})
	if !errors.Is(err, protocol.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	f, ok := protocol.AsFailure(err)
	if !ok || !f.Envelope().Error || !strings.Contains(f.Message, "not ready") {
		t.Fatalf("expected structured not-ready failure, got %+v", f)
	}
}

func TestSend_SerializeFailure(t *testing.T) {
	g, b := newGateway(t)
	initialize(t, g)
	_, err := g.Send(context.Background(), protocol.Request{Type: "stock", Arg: make(chan int)})
	if !errors.Is(err, protocol.ErrSerialize) {
		t.Fatalf("expected ErrSerialize, got %v", err)
	}
	var jsonErr *json.UnsupportedTypeError
	if !errors.As(err, &jsonErr) {
		t.Fatalf("serialization cause must be kept, got %v", err)
	}
	if g.Pending() != 0 || b.Depth("bot_requests") != 0 {
		t.Fatalf("nothing must be registered or published")
	}
}

func TestSend_RemoteError(t *testing.T) {
	g, b := newGateway(t)
	initialize(t, g)
	res := sendAsync(g, protocol.Request{Type: "weather", Arg: "Paris"})
	d := nextRequest(t, b)
	reply(t, b, d.CorrelationId, `{"error":true,"message":"Command not recognized","code":"BOT02"}`)

	r := wait(t, res)
	if !errors.Is(r.err, protocol.ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", r.err)
	}
	f, _ := protocol.AsFailure(r.err)
	if f.Code != protocol.CodeUnknownCommand || f.Response == nil || !f.Response.Error {
		t.Fatalf("unexpected failure %+v", f)
	}
	if g.Pending() != 0 {
		t.Fatalf("registry not empty")
	}
}

func TestSend_MalformedReply(t *testing.T) {
	for _, body := range []string{`{not json`, `{"error":"yes"}`} {
		g, b := newGateway(t)
		initialize(t, g)
		res := sendAsync(g, protocol.Request{Type: "stock", Arg: "AAPL"})
		d := nextRequest(t, b)
		reply(t, b, d.CorrelationId, body)

		r := wait(t, res)
		if !errors.Is(r.err, protocol.ErrDeserialize) {
			t.Fatalf("body %s: expected ErrDeserialize, got %v", body, r.err)
		}
		if g.Pending() != 0 {
			t.Fatalf("body %s: registry not empty after parse failure", body)
		}
	}
}

func TestHandleResponse_Unsolicited(t *testing.T) {
	g, b := newGateway(t)
	initialize(t, g)
	res := sendAsync(g, protocol.Request{Type: "stock", Arg: "AAPL"})
	d := nextRequest(t, b)

	err := g.handleResponse(context.Background(), core.Message{CorrelationID: "nobody-waits", Body: []byte(`{"error":false}`)})
	if err != nil {
		t.Fatalf("unsolicited reply must not error: %v", err)
	}
	if g.Pending() != 1 {
		t.Fatalf("unsolicited reply changed the registry: %d", g.Pending())
	}

	reply(t, b, d.CorrelationId, `{"error":false}`)
	if r := wait(t, res); r.err != nil {
		t.Fatalf("send: %v", r.err)
	}
	// a duplicate of an answered reply is unsolicited too
	if err := g.handleResponse(context.Background(), core.Message{CorrelationID: d.CorrelationId, Body: []byte(`{"error":false}`)}); err != nil {
		t.Fatalf("duplicate reply: %v", err)
	}
}

func TestSend_Timeout(t *testing.T) {
	g, b := newGateway(t, WithTimeout(30*time.Millisecond))
	initialize(t, g)
	start := time.Now()
	_, err := g.Send(context.Background(), protocol.Request{Type: "stock", Arg: "AAPL"})
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took too long")
	}
	if g.Pending() != 0 {
		t.Fatalf("timed out request left in registry")
	}
	// the late reply is discarded
	d := nextRequest(t, b)
	reply(t, b, d.CorrelationId, `{"error":false}`)
}

func TestSend_ContextDeadlineIsTimeout(t *testing.T) {
	g, _ := newGateway(t, WithTimeout(0))
	initialize(t, g)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Send(ctx, protocol.Request{Type: "stock"}); !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSend_Cancelled(t *testing.T) {
	g, _ := newGateway(t)
	initialize(t, g)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := g.Send(ctx, protocol.Request{Type: "stock"})
	if !errors.Is(err, context.Canceled) || errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestConnectionLoss_FailsPending(t *testing.T) {
	g, b := newGateway(t)
	initialize(t, g)
	res := sendAsync(g, protocol.Request{Type: "stock", Arg: "AAPL"})
	nextRequest(t, b)

	b.Sever(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

	r := wait(t, res)
	if !errors.Is(r.err, protocol.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", r.err)
	}
	if g.Pending() != 0 {
		t.Fatalf("registry not empty after connection loss")
	}
	if _, err := g.Send(context.Background(), protocol.Request{Type: "stock"}); !errors.Is(err, protocol.ErrNotReady) {
		t.Fatalf("expected ErrNotReady after connection loss, got %v", err)
	}

	initialize(t, g)
	if !g.Ready() {
		t.Fatalf("gateway not ready after re-initialize")
	}
}

func TestClose_FailsPending(t *testing.T) {
	g, b := newGateway(t)
	initialize(t, g)
	res := sendAsync(g, protocol.Request{Type: "stock", Arg: "AAPL"})
	nextRequest(t, b)
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r := wait(t, res); !errors.Is(r.err, protocol.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", r.err)
	}
}

func TestRegister_RegeneratesOnCollision(t *testing.T) {
	ids := []string{"same", "same", "other"}
	var mu sync.Mutex
	gen := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id, nil
	}
	g, b := newGateway(t, WithIDGenerator(gen))
	initialize(t, g)

	first := sendAsync(g, protocol.Request{Type: "stock", Arg: "A"})
	d1 := nextRequest(t, b)
	second := sendAsync(g, protocol.Request{Type: "stock", Arg: "B"})
	d2 := nextRequest(t, b)
	if d1.CorrelationId != "same" || d2.CorrelationId != "other" {
		t.Fatalf("ids = %q, %q", d1.CorrelationId, d2.CorrelationId)
	}
	reply(t, b, "other", `{"error":false,"message":"B"}`)
	reply(t, b, "same", `{"error":false,"message":"A"}`)
	if r := wait(t, first); r.err != nil || r.resp.Message != "A" {
		t.Fatalf("first: %+v %v", r.resp, r.err)
	}
	if r := wait(t, second); r.err != nil || r.resp.Message != "B" {
		t.Fatalf("second: %+v %v", r.resp, r.err)
	}
}

func TestRegister_GeneratorError(t *testing.T) {
	g, _ := newGateway(t, WithIDGenerator(func() (string, error) { return "", errors.New("entropy exhausted") }))
	initialize(t, g)
	if _, err := g.Send(context.Background(), protocol.Request{Type: "stock"}); err == nil {
		t.Fatalf("expected error")
	}
	if g.Pending() != 0 {
		t.Fatalf("registry not empty")
	}
}

func TestNewUUIDv7_TimeOrdered(t *testing.T) {
	a, err := newUUIDv7()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	b, _ := newUUIDv7()
	if a == b || a > b {
		t.Fatalf("ids not time ordered: %s %s", a, b)
	}
}
