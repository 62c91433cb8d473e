// Package protocol defines the bodies exchanged between the gateway and the
// bot worker over the request and response queues.
package protocol

import (
	"encoding/json"
	"fmt"
)

const (
	ContentType     = "application/json"
	ContentEncoding = "UTF-8"
)

// Error codes carried in error envelopes.
const (
	CodeInvalidRequest  = "BOT01"
	CodeUnknownCommand  = "BOT02"
	CodeInvalidArgument = "BOT03"
	CodeNotFound        = "BOT04"
	CodeUnavailable     = "BOT05"
)

// Request is published on the requests queue. Arg can be any JSON-encodable value.
type Request struct {
	Type string `json:"type"`
	Arg  any    `json:"arg"`
}

// Response is the decoded body of a reply. Handlers are free to add their own
// fields; Raw keeps the whole body so callers can decode it into their own type.
type Response struct {
	Error   bool            `json:"error"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
	Results json.RawMessage `json:"results,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseResponse decodes a response body and keeps a copy of it in Raw.
func ParseResponse(body []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	r.Raw = append(json.RawMessage(nil), body...)
	return &r, nil
}

// Decode unmarshals the full response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Raw) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(r.Raw, v)
}

// ErrorBody is the wire shape of every error reply.
type ErrorBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func NewErrorBody(message, code string) ErrorBody {
	return ErrorBody{Error: true, Message: message, Code: code}
}
