package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

type tickerPayload struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	TimestampMs int64           `json:"timestamp_ms"`
	Source      string          `json:"source"`
}

// HTTPOracle fetches tickers from a price service exposing GET /v1/tickers/{symbol}. Calls go through a
// circuit breaker so a failing feed is not hammered while it recovers.
type HTTPOracle struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewHTTPOracle builds an HTTP oracle against baseURL.
func NewHTTPOracle(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPOracle {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(50*time.Millisecond).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-oracle",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("oracle circuit state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &HTTPOracle{client: client, breaker: breaker, logger: logger}
}

// Ticker fetches the latest price for symbol.
func (o *HTTPOracle) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	res, err := o.breaker.Execute(func() (interface{}, error) {
		var payload tickerPayload
		resp, err := o.client.R().
			SetContext(ctx).
			SetPathParam("symbol", symbol).
			SetResult(&payload).
			Get("/v1/tickers/{symbol}")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("oracle returned %d", resp.StatusCode())
		}
		return payload, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			o.logger.Debug("oracle call short-circuited", slog.String("symbol", symbol))
		}
		return Ticker{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}

	payload := res.(tickerPayload)
	if payload.Symbol == "" {
		payload.Symbol = symbol
	}
	return Ticker{
		Symbol:    payload.Symbol,
		Price:     payload.Price,
		Timestamp: time.UnixMilli(payload.TimestampMs).UTC(),
		Source:    payload.Source,
	}, nil
}
