package asset

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// RateLookup returns how many units of the real asset back one unit of the synthetic asset.
type RateLookup interface {
	Rate(ctx context.Context, synthetic, underlying string) (decimal.Decimal, error)
}

// PegTable is a static RateLookup. Pairs without an explicit entry peg at 1.0.
type PegTable struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewPegTable builds an empty table where every pair trades 1:1.
func NewPegTable() *PegTable {
	return &PegTable{rates: make(map[string]decimal.Decimal)}
}

// Set overrides the rate for a synthetic/real pair.
func (p *PegTable) Set(synthetic, underlying string, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("peg rate for %s/%s must be positive", synthetic, underlying)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[synthetic+"/"+underlying] = rate
	return nil
}

// Rate implements RateLookup.
func (p *PegTable) Rate(_ context.Context, synthetic, underlying string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.rates[synthetic+"/"+underlying]; ok {
		return r, nil
	}
	return decimal.NewFromInt(1), nil
}
