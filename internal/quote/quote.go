// Package quote fetches stock quotes and exposes them as bot commands.
package quote

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrNotFound    = errors.New("quote: symbol not found")
	ErrUnavailable = errors.New("quote: provider unavailable")
	ErrInvalidCode = errors.New("quote: invalid company code")
)

// Quote is one end-of-day (or intraday) line for a symbol.
type Quote struct {
	Symbol string  `json:"symbol"`
	Name   string  `json:"name"`
	Date   string  `json:"date"`
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type Provider interface {
	Quote(ctx context.Context, code string) (Quote, error)
}

var codePattern = regexp.MustCompile(`^[A-Za-z0-9^][A-Za-z0-9.\-^]{0,19}$`)

// NormalizeCode trims and upper-cases a company code, rejecting anything that
// could not be a ticker.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !codePattern.MatchString(code) {
		return "", ErrInvalidCode
	}
	return code, nil
}
