package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Static serves configured prices. Prices queued with Sequence are returned one per call, the last one
// repeating; used in tests and local development.
type Static struct {
	mu     sync.Mutex
	prices map[string][]decimal.Decimal
	errs   map[string]error
	now    func() time.Time
}

// NewStatic builds an empty static oracle.
func NewStatic() *Static {
	return &Static{
		prices: make(map[string][]decimal.Decimal),
		errs:   make(map[string]error),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the ticker timestamp source.
func (s *Static) WithClock(now func() time.Time) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Set fixes the price for symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.Sequence(symbol, price)
}

// Sequence queues successive prices for symbol.
func (s *Static) Sequence(symbol string, prices ...decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = append([]decimal.Decimal(nil), prices...)
	delete(s.errs, symbol)
}

// Fail makes every call for symbol return err.
func (s *Static) Fail(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[symbol] = err
}

func (s *Static) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	if err := ctx.Err(); err != nil {
		return Ticker{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.errs[symbol]; err != nil {
		return Ticker{}, err
	}
	queue := s.prices[symbol]
	if len(queue) == 0 {
		return Ticker{}, fmt.Errorf("%w: no price for %s", ErrPriceUnavailable, symbol)
	}
	price := queue[0]
	if len(queue) > 1 {
		s.prices[symbol] = queue[1:]
	}
	return Ticker{Symbol: symbol, Price: price, Timestamp: s.now(), Source: "static"}, nil
}
