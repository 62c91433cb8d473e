// Package audit publishes one record per processed bot command.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const ContentType = "application/x-protobuf"

type Record struct {
	Component     string        `json:"component"`
	CorrelationID string        `json:"corr_id"`
	Command       string        `json:"command"`
	Error         bool          `json:"error"`
	Code          string        `json:"code,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Sink receives audit records. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, r Record) error
	Close() error
}

// Encode renders r as a protobuf Struct.
func Encode(r Record) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"component":   r.Component,
		"corr_id":     r.CorrelationID,
		"command":     r.Command,
		"error":       r.Error,
		"code":        r.Code,
		"duration_ms": float64(r.Duration) / float64(time.Millisecond),
		"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	return proto.Marshal(s)
}

func Decode(b []byte) (Record, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return Record{}, fmt.Errorf("decode audit record: %w", err)
	}
	f := s.GetFields()
	r := Record{
		Component:     f["component"].GetStringValue(),
		CorrelationID: f["corr_id"].GetStringValue(),
		Command:       f["command"].GetStringValue(),
		Error:         f["error"].GetBoolValue(),
		Code:          f["code"].GetStringValue(),
		Duration:      time.Duration(f["duration_ms"].GetNumberValue() * float64(time.Millisecond)),
	}
	if ts := f["timestamp"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Record{}, fmt.Errorf("decode audit timestamp: %w", err)
		}
		r.Timestamp = t
	}
	return r, nil
}

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSink struct {
	w MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink { return &KafkaSink{w: w} }

func (s *KafkaSink) Record(ctx context.Context, r Record) error {
	b, err := Encode(r)
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(r.CorrelationID),
		Value:   b,
		Time:    r.Timestamp,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte(ContentType)}},
	})
}

func (s *KafkaSink) Close() error { return s.w.Close() }

// Nop discards records.
type Nop struct{}

func (Nop) Record(context.Context, Record) error { return nil }
func (Nop) Close() error                         { return nil }

// MessageReader is the part of *kafka.Reader Tail uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Tail reads records until ctx is done, calling fn for each one and
// committing it afterwards. Undecodable messages are skipped and committed.
func Tail(ctx context.Context, r MessageReader, fn func(Record) error) error {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch audit record: %w", err)
		}
		if rec, err := Decode(m.Value); err == nil {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit audit record: %w", err)
		}
	}
}
