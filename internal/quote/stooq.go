package quote

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultStooqURL = "https://stooq.com/q/l/"

// StooqProvider reads quotes from the stooq.com CSV endpoint.
type StooqProvider struct {
	BaseURL string
	Client  *http.Client
}

func NewStooqProvider(baseURL string, timeout time.Duration) *StooqProvider {
	if baseURL == "" {
		baseURL = DefaultStooqURL
	}
	return &StooqProvider{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}
}

func (p *StooqProvider) Quote(ctx context.Context, code string) (Quote, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return Quote{}, err
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	q := u.Query()
	q.Set("s", strings.ToLower(code))
	q.Set("f", "sd2t2ohlcvn")
	q.Set("h", "")
	q.Set("e", "csv")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}
	return parseCSV(resp.Body)
}

// parseCSV reads a header line followed by one quote line:
// Symbol,Date,Time,Open,High,Low,Close,Volume,Name
func parseCSV(r io.Reader) (Quote, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return Quote{}, fmt.Errorf("%w: read header: %w", ErrUnavailable, err)
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{"symbol", "date", "open", "high", "low", "close"} {
		if _, ok := idx[col]; !ok {
			return Quote{}, fmt.Errorf("%w: missing column %q", ErrUnavailable, col)
		}
	}

	rec, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Quote{}, ErrNotFound
	}
	if err != nil {
		return Quote{}, fmt.Errorf("%w: read quote: %w", ErrUnavailable, err)
	}
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	if field("date") == "N/D" || field("close") == "N/D" {
		return Quote{}, ErrNotFound
	}

	q := Quote{
		Symbol: field("symbol"),
		Name:   field("name"),
		Date:   field("date"),
		Time:   field("time"),
	}
	for name, dst := range map[string]*float64{"open": &q.Open, "high": &q.High, "low": &q.Low, "close": &q.Close} {
		v, err := strconv.ParseFloat(field(name), 64)
		if err != nil {
			return Quote{}, fmt.Errorf("%w: bad %s %q", ErrUnavailable, name, field(name))
		}
		*dst = v
	}
	if v := field("volume"); v != "" && v != "N/D" {
		q.Volume, _ = strconv.ParseInt(v, 10, 64)
	}
	if q.Name == "" {
		q.Name = q.Symbol
	}
	return q, nil
}
