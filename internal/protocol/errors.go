package protocol

import (
	"errors"
	"strings"
)

// Failure kinds. Use errors.Is against a returned error to classify it.
var (
	ErrNotReady         = errors.New("protocol: not ready")
	ErrSerialize        = errors.New("protocol: serialize")
	ErrDeserialize      = errors.New("protocol: deserialize")
	ErrPublish          = errors.New("protocol: publish")
	ErrTimeout          = errors.New("protocol: request timed out")
	ErrConnectionClosed = errors.New("protocol: connection closed")
	ErrRemote           = errors.New("protocol: remote error")
)

// Failure is the structured rejection handed back to a caller of the gateway.
// Kind is one of the sentinels above; Response is set when the worker itself
// replied with an error envelope.
type Failure struct {
	Message  string
	Code     string
	Kind     error
	Cause    error
	Response *Response
}

func (f *Failure) Error() string {
	var b strings.Builder
	if f.Code != "" {
		b.WriteString(f.Code)
		b.WriteString(": ")
	}
	b.WriteString(f.Message)
	if f.Cause != nil {
		b.WriteString(": ")
		b.WriteString(f.Cause.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() []error {
	errs := make([]error, 0, 2)
	if f.Kind != nil {
		errs = append(errs, f.Kind)
	}
	if f.Cause != nil {
		errs = append(errs, f.Cause)
	}
	return errs
}

// Envelope renders the failure the way it would travel on the wire.
func (f *Failure) Envelope() ErrorBody {
	return NewErrorBody(f.Message, f.Code)
}

// RemoteFailure wraps an error envelope received from the worker.
func RemoteFailure(r *Response) *Failure {
	return &Failure{Message: r.Message, Code: r.Code, Kind: ErrRemote, Response: r}
}

// AsFailure reports whether err carries a *Failure.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// APIError is returned by command handlers for domain failures. Its message
// and code are forwarded to the caller verbatim.
type APIError struct {
	Message string
	Code    string
	Cause   error
}

func NewAPIError(message, code string, cause error) *APIError {
	return &APIError{Message: message, Code: code, Cause: cause}
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Cause }
