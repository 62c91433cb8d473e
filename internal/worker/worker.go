// Package worker consumes bot requests, dispatches them to registered
// commands and publishes a correlated response for each one.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongceg/stockbot/internal/audit"
	"github.com/cuongceg/stockbot/internal/command"
	"github.com/cuongceg/stockbot/internal/core"
	"github.com/cuongceg/stockbot/internal/protocol"
	"github.com/cuongceg/stockbot/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"
)

type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Fixed replies for requests that never reach a handler.
const (
	msgInvalidRequest  = "invalid request"
	msgInvalidObject   = "invalid object"
	msgUnknownCommand  = "Command not recognized"
	msgNonSerializable = "non serializable response"
	msgHandlerPanic    = "command failed unexpectedly"
)

type Service struct {
	conn core.Connector
	reg  *command.Registry
	log  zerolog.Logger
	sink audit.Sink
	tel  *telemetry.Instruments

	state       atomic.Int32
	hookOnce    sync.Once
	mu          sync.Mutex
	stopConsume context.CancelFunc
}

func New(conn core.Connector, reg *command.Registry, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.tel == nil {
		o.tel = telemetry.Nop()
	}
	l := o.log.With().Str("component", "worker").Logger()
	return &Service{
		conn: conn,
		reg:  reg,
		log:  l,
		// audit writes never run on the consumer goroutine
		sink: audit.NewAsync(o.audit, o.auditBuffer, o.auditTimeout, l),
		tel:  o.tel,
	}
}

func (s *Service) State() State { return State(s.state.Load()) }

// Initialize opens the connector and starts consuming the request queue. It
// returns once both channels are ready. Calling it again after a connection
// loss re-opens everything.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateReady && s.conn.Ready() {
		return nil
	}

	s.hookOnce.Do(func() {
		s.conn.NotifyClose(func(err error) {
			s.state.Store(int32(StateClosed))
			s.log.Error().Err(err).Msg("worker lost its broker connection")
		})
	})

	s.state.Store(int32(StateConnecting))
	if err := s.conn.Open(ctx); err != nil {
		s.state.Store(int32(StateUninitialized))
		return err
	}

	if s.stopConsume != nil {
		s.stopConsume()
	}
	// a consumer from before a connection loss may still be draining
	if err := s.conn.Requests().Stop(ctx); err != nil {
		s.state.Store(int32(StateUninitialized))
		return err
	}
	consumeCtx, cancel := context.WithCancel(context.Background())
	if err := s.conn.Requests().Start(consumeCtx, s.ProcessMessage); err != nil {
		cancel()
		s.state.Store(int32(StateUninitialized))
		return fmt.Errorf("start consuming %s: %w", s.conn.Requests().Queue(), err)
	}
	s.stopConsume = cancel
	s.state.Store(int32(StateReady))
	s.log.Info().Str("queue", s.conn.Requests().Queue()).Strs("commands", s.reg.Names()).Msg("waiting for requests")
	return nil
}

// Close stops consuming and closes the connector.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopConsume != nil {
		s.stopConsume()
		s.stopConsume = nil
	}
	s.state.Store(int32(StateClosed))
	err := s.conn.Close()
	if cerr := s.sink.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// ProcessMessage handles one delivery from the request queue. Apart from
// deliveries received while not ready, every message yields exactly one
// publish attempt on the response queue carrying the same correlation id.
func (s *Service) ProcessMessage(ctx context.Context, msg core.Message) (err error) {
	start := time.Now()
	log := s.log.With().Str("corr_id", msg.CorrelationID).Logger()
	if !s.conn.Ready() {
		log.Error().Msg("message dropped: not ready")
		return nil
	}
	log.Debug().Bytes("body", msg.Body).Msg("request received")

	ctx, end := s.tel.StartSpan(ctx, "bot.process", msg.CorrelationID, trace.SpanKindConsumer)
	defer func() { end(err) }()

	name, content := s.dispatch(ctx, log, msg.Body)
	sent, err := s.sendResponse(ctx, content, msg.CorrelationID)
	failed, code := outcome(sent)

	took := time.Since(start)
	s.tel.Record(ctx, name, failed, code, took)
	rec := audit.Record{
		Component:     "bot",
		CorrelationID: msg.CorrelationID,
		Command:       name,
		Error:         failed,
		Code:          code,
		Duration:      took,
		Timestamp:     start,
	}
	if aerr := s.sink.Record(ctx, rec); aerr != nil {
		log.Warn().Err(aerr).Msg("audit record dropped")
	}
	log.Info().Str("command", name).Bool("error", failed).Str("code", code).Dur("took", took).Msg("request processed")
	return err
}

// dispatch validates the envelope and runs the handler. It returns the
// command name (empty when the envelope was rejected) and the reply content.
func (s *Service) dispatch(ctx context.Context, log zerolog.Logger, body []byte) (string, any) {
	if !gjson.ValidBytes(body) {
		log.Warn().Msg("request body is not valid JSON")
		return "", protocol.NewErrorBody(msgInvalidRequest, protocol.CodeInvalidRequest)
	}
	env := gjson.ParseBytes(body)
	if !env.IsObject() {
		log.Warn().Msg("request body is not an object")
		return "", protocol.NewErrorBody(msgInvalidRequest, protocol.CodeInvalidRequest)
	}
	typ := env.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		log.Warn().Msg("request has no type")
		return "", protocol.NewErrorBody(msgInvalidObject, protocol.CodeInvalidRequest)
	}

	name := typ.Str
	h, err := s.reg.Lookup(name)
	if err != nil {
		log.Warn().Str("command", name).Msg("unknown command")
		return name, protocol.NewErrorBody(msgUnknownCommand, protocol.CodeUnknownCommand)
	}

	arg := json.RawMessage("null")
	if a := env.Get("arg"); a.Exists() {
		arg = json.RawMessage(a.Raw)
	}
	result, err := invoke(ctx, h, arg)
	if err != nil {
		log.Info().Err(err).Str("command", name).Msg("command rejected")
		return name, errorContent(err)
	}
	return name, result
}

// panicError carries the raw value a handler panicked with.
type panicError struct{ value any }

func (p panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func invoke(ctx context.Context, h command.Handler, arg json.RawMessage) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			result, err = nil, panicError{value: v}
		}
	}()
	return h.Handle(ctx, arg)
}

// rawErrorBody forwards a failure that carries neither code nor message.
type rawErrorBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Value   any    `json:"value"`
}

func errorContent(err error) any {
	var apiErr *protocol.APIError
	if errors.As(err, &apiErr) {
		return protocol.NewErrorBody(apiErr.Message, apiErr.Code)
	}
	var p panicError
	if errors.As(err, &p) {
		if e, ok := p.value.(error); ok {
			return protocol.NewErrorBody(e.Error(), "")
		}
		return rawErrorBody{Error: true, Message: msgHandlerPanic, Value: p.value}
	}
	return protocol.NewErrorBody(err.Error(), "")
}

// outcome reads the error flag and code of a reply body.
func outcome(body []byte) (bool, string) {
	if len(body) == 0 {
		return false, ""
	}
	r := gjson.GetManyBytes(body, "error", "code")
	return r[0].Bool(), r[1].String()
}

var nonSerializable = mustMarshal(protocol.NewErrorBody(msgNonSerializable, protocol.CodeInvalidRequest))

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// sendResponse publishes content to the response queue and returns the body
// it sent. A value that cannot be marshalled is replaced by a fixed BOT01
// error so the caller still gets an answer.
func (s *Service) sendResponse(ctx context.Context, content any, corrID string) ([]byte, error) {
	if !s.conn.Ready() {
		s.log.Error().Str("corr_id", corrID).Msg("message dropped: not ready")
		return nil, protocol.ErrNotReady
	}
	body, err := json.Marshal(content)
	if err != nil {
		s.log.Error().Err(err).Str("corr_id", corrID).Msg("response is not serializable")
		body = nonSerializable
	}
	if err := s.conn.Responses().Publish(ctx, core.Message{
		Body:            body,
		CorrelationID:   corrID,
		ContentType:     protocol.ContentType,
		ContentEncoding: protocol.ContentEncoding,
	}); err != nil {
		return body, fmt.Errorf("%w: %w", protocol.ErrPublish, err)
	}
	return body, nil
}
