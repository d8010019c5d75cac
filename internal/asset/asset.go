package asset

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Kind distinguishes real (custodied) assets from their synthetic counterparts.
type Kind string

const (
	KindReal      Kind = "REAL"
	KindSynthetic Kind = "SYNTHETIC"
)

// Well-known symbols.
const (
	USD  = "USD"
	PAXG = "PAXG"
	XAUS = "XAU-s"
)

// ErrUnknownAsset is returned when a symbol is not registered.
var ErrUnknownAsset = errors.New("unknown asset")

// Asset describes a ledger-visible symbol and the precision its amounts are rounded to.
type Asset struct {
	Symbol       string
	Precision    int32
	Kind         Kind
	Underlying   string
	OracleSymbol string
}

// Round rounds half-up at the asset precision.
func (a Asset) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(a.Precision)
}

// Validate reports whether amount is already expressed at the asset precision.
func (a Asset) Validate(amount decimal.Decimal) error {
	if !amount.Equal(a.Round(amount)) {
		return fmt.Errorf("%s amount %s exceeds %d decimal places", a.Symbol, amount.String(), a.Precision)
	}
	return nil
}

// Registry is a concurrency-safe symbol table.
type Registry struct {
	mu     sync.RWMutex
	assets map[string]Asset
}

// NewRegistry builds a registry from the provided assets.
func NewRegistry(assets ...Asset) (*Registry, error) {
	r := &Registry{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	for _, a := range assets {
		if a.Kind != KindSynthetic {
			continue
		}
		u, ok := r.assets[a.Underlying]
		if !ok || u.Kind != KindReal {
			return nil, fmt.Errorf("synthetic %s requires a real underlying, got %q", a.Symbol, a.Underlying)
		}
	}
	return r, nil
}

// DefaultRegistry returns the platform's standard asset set.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Defaults()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Defaults lists USD, PAXG and its synthetic gold counterpart.
func Defaults() []Asset {
	return []Asset{
		{Symbol: USD, Precision: 2, Kind: KindReal},
		{Symbol: PAXG, Precision: 8, Kind: KindReal, OracleSymbol: PAXG},
		{Symbol: XAUS, Precision: 8, Kind: KindSynthetic, Underlying: PAXG},
	}
}

// Register adds or replaces an asset definition.
func (r *Registry) Register(a Asset) error {
	a.Symbol = strings.TrimSpace(a.Symbol)
	if a.Symbol == "" {
		return errors.New("asset symbol is required")
	}
	if a.Precision < 0 || a.Precision > 18 {
		return fmt.Errorf("asset %s precision %d out of range", a.Symbol, a.Precision)
	}
	switch a.Kind {
	case KindReal:
		if a.OracleSymbol == "" {
			a.OracleSymbol = a.Symbol
		}
	case KindSynthetic:
		if a.Underlying == "" {
			return fmt.Errorf("synthetic %s requires an underlying", a.Symbol)
		}
	default:
		return fmt.Errorf("asset %s has unknown kind %q", a.Symbol, a.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[a.Symbol] = a
	return nil
}

// Lookup resolves a symbol.
func (r *Registry) Lookup(symbol string) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[symbol]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return a, nil
}

// Underlying returns the real asset backing a synthetic one. Real assets return themselves.
func (r *Registry) Underlying(symbol string) (Asset, error) {
	a, err := r.Lookup(symbol)
	if err != nil {
		return Asset{}, err
	}
	if a.Kind == KindReal {
		return a, nil
	}
	return r.Lookup(a.Underlying)
}
