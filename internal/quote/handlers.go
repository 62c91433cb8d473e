package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cuongceg/stockbot/internal/command"
	"github.com/cuongceg/stockbot/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// maxRangeCodes bounds a single day_range request.
const maxRangeCodes = 20

// StockResult is the reply body of the stock command.
type StockResult struct {
	Error       bool    `json:"error"`
	CompanyCode string  `json:"companyCode"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Message     string  `json:"message"`
	Lang        string  `json:"lang"`
}

// RangeItem is one entry of a day_range reply. Failed lookups carry
// Error=true with a message and code instead of prices.
type RangeItem struct {
	CompanyCode string  `json:"companyCode"`
	Low         float64 `json:"low,omitempty"`
	High        float64 `json:"high,omitempty"`
	Message     string  `json:"message"`
	Error       bool    `json:"error"`
	Code        string  `json:"code,omitempty"`
}

type RangeResult struct {
	Error   bool        `json:"error"`
	Results []RangeItem `json:"results"`
}

// Register installs the stock and day_range commands backed by p.
func Register(reg *command.Registry, p Provider) {
	reg.Register("stock", StockHandler(p))
	reg.Register("day_range", DayRangeHandler(p))
}

func StockHandler(p Provider) command.Handler {
	return command.HandlerFunc(func(ctx context.Context, arg json.RawMessage) (any, error) {
		var code string
		if err := json.Unmarshal(arg, &code); err != nil || strings.TrimSpace(code) == "" {
			return nil, protocol.NewAPIError("stock expects a company code", protocol.CodeInvalidArgument, err)
		}
		q, err := p.Quote(ctx, code)
		if err != nil {
			return nil, apiError(code, err)
		}
		symbol := strings.ToUpper(q.Symbol)
		return StockResult{
			CompanyCode: symbol,
			Name:        q.Name,
			Price:       q.Close,
			Message:     fmt.Sprintf("%s quote is $%.2f per share", symbol, q.Close),
			Lang:        "en",
		}, nil
	})
}

// DayRangeHandler accepts a single code or a list of codes. Codes are
// looked up concurrently; per-code failures are reported inside results.
func DayRangeHandler(p Provider) command.Handler {
	return command.HandlerFunc(func(ctx context.Context, arg json.RawMessage) (any, error) {
		codes, err := rangeCodes(arg)
		if err != nil {
			return nil, err
		}
		items := make([]RangeItem, len(codes))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, code := range codes {
			g.Go(func() error {
				items[i] = rangeItem(gctx, p, code)
				return nil
			})
		}
		_ = g.Wait()
		return RangeResult{Results: items}, nil
	})
}

func rangeCodes(arg json.RawMessage) ([]string, error) {
	var codes []string
	var one string
	if err := json.Unmarshal(arg, &one); err == nil {
		codes = []string{one}
	} else if err := json.Unmarshal(arg, &codes); err != nil {
		return nil, protocol.NewAPIError("day_range expects a company code or a list of codes", protocol.CodeInvalidArgument, err)
	}
	out := codes[:0]
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	switch {
	case len(out) == 0:
		return nil, protocol.NewAPIError("day_range expects a company code or a list of codes", protocol.CodeInvalidArgument, nil)
	case len(out) > maxRangeCodes:
		return nil, protocol.NewAPIError(fmt.Sprintf("day_range accepts at most %d codes", maxRangeCodes), protocol.CodeInvalidArgument, nil)
	}
	return out, nil
}

func rangeItem(ctx context.Context, p Provider, code string) RangeItem {
	q, err := p.Quote(ctx, code)
	if err != nil {
		apiErr := apiError(code, err)
		return RangeItem{CompanyCode: strings.ToUpper(code), Error: true, Message: apiErr.Message, Code: apiErr.Code}
	}
	symbol := strings.ToUpper(q.Symbol)
	return RangeItem{
		CompanyCode: symbol,
		Low:         q.Low,
		High:        q.High,
		Message:     fmt.Sprintf("%s days low quote is $%.2f and high is $%.2f", symbol, q.Low, q.High),
	}
}

func apiError(code string, err error) *protocol.APIError {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch {
	case errors.Is(err, ErrInvalidCode):
		return protocol.NewAPIError(fmt.Sprintf("%q is not a valid company code", code), protocol.CodeInvalidArgument, err)
	case errors.Is(err, ErrNotFound):
		return protocol.NewAPIError(fmt.Sprintf("Quote for %s not found", code), protocol.CodeNotFound, err)
	default:
		return protocol.NewAPIError("Quote provider unavailable", protocol.CodeUnavailable, err)
	}
}
