// Package oracle adapts external price feeds. Prices are USD per unit of the quoted symbol.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable covers failed, timed out, stale or malformed quotes. It is transient and retryable.
var ErrPriceUnavailable = errors.New("price unavailable")

// Ticker is one price observation.
type Ticker struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
	Source    string
}

// Oracle returns the current price for a symbol.
type Oracle interface {
	Ticker(ctx context.Context, symbol string) (Ticker, error)
}
