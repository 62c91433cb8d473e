package protocol

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFailure_IsKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	var err error = &Failure{Message: "could not serialize", Kind: ErrSerialize, Cause: cause}
	wrapped := fmt.Errorf("send: %w", err)

	if !errors.Is(wrapped, ErrSerialize) {
		t.Fatalf("expected ErrSerialize in chain")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected cause in chain")
	}
	if errors.Is(wrapped, ErrTimeout) {
		t.Fatalf("unexpected ErrTimeout")
	}
	f, ok := AsFailure(wrapped)
	if !ok || f.Message != "could not serialize" {
		t.Fatalf("AsFailure: got %v %v", f, ok)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error text should include cause, got %q", err.Error())
	}
}

func TestRemoteFailure_Envelope(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"error":true,"message":"Command not recognized","code":"BOT02"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := RemoteFailure(resp)
	if !errors.Is(f, ErrRemote) {
		t.Fatalf("expected ErrRemote")
	}
	env := f.Envelope()
	if !env.Error || env.Code != CodeUnknownCommand || env.Message != "Command not recognized" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if f.Error() != "BOT02: Command not recognized" {
		t.Fatalf("unexpected error text %q", f.Error())
	}
}

func TestParseResponse_KeepsRaw(t *testing.T) {
	body := []byte(`{"error":false,"companyCode":"AAPL","price":100}`)
	resp, err := ParseResponse(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var quote struct {
		CompanyCode string  `json:"companyCode"`
		Price       float64 `json:"price"`
	}
	if err := resp.Decode(&quote); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if quote.CompanyCode != "AAPL" || quote.Price != 100 {
		t.Fatalf("unexpected decode %+v", quote)
	}
	body[2] = 'X'
	if string(resp.Raw) == string(body) {
		t.Fatalf("Raw must not alias the delivery buffer")
	}
}

func TestParseResponse_Malformed(t *testing.T) {
	if _, err := ParseResponse([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := ParseResponse([]byte(`{"error":"yes"}`)); err == nil {
		t.Fatalf("expected type error for non-bool error flag")
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := errors.New("http 503")
	err := NewAPIError("quote provider unavailable", CodeUnavailable, cause)
	var apiErr *APIError
	if !errors.As(fmt.Errorf("wrap: %w", err), &apiErr) || apiErr.Code != CodeUnavailable {
		t.Fatalf("errors.As failed")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not unwrapped")
	}
}
