package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// maxClockSkew tolerates feeds whose clocks run slightly ahead of ours.
const maxClockSkew = 2 * time.Second

// Checked bounds an oracle call by a timeout and rejects quotes older than maxAge or non-positive prices.
type Checked struct {
	inner   Oracle
	timeout time.Duration
	maxAge  time.Duration
	now     func() time.Time
}

// NewChecked wraps inner. Zero timeout or maxAge disables that check.
func NewChecked(inner Oracle, timeout, maxAge time.Duration) *Checked {
	return &Checked{inner: inner, timeout: timeout, maxAge: maxAge, now: time.Now}
}

// WithClock overrides the clock used for staleness checks.
func (c *Checked) WithClock(now func() time.Time) *Checked {
	c.now = now
	return c
}

func (c *Checked) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	t, err := c.inner.Ticker(ctx, symbol)
	if err != nil {
		if errors.Is(err, ErrPriceUnavailable) {
			return Ticker{}, err
		}
		return Ticker{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	if !t.Price.IsPositive() {
		return Ticker{}, fmt.Errorf("%w: %s: non-positive price %s", ErrPriceUnavailable, symbol, t.Price.String())
	}

	age := c.now().Sub(t.Timestamp)
	if c.maxAge > 0 && age > c.maxAge {
		return Ticker{}, fmt.Errorf("%w: %s: quote is %s old", ErrPriceUnavailable, symbol, age.Round(time.Millisecond))
	}
	if age < -maxClockSkew {
		return Ticker{}, fmt.Errorf("%w: %s: quote timestamp in the future", ErrPriceUnavailable, symbol)
	}
	return t, nil
}
