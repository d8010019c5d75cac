package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var basisPointDivisor = decimal.NewFromInt(10_000)

// FeeSchedule prices a trade in the real asset: max(principal * BasisPoints / 10000, Floor).
type FeeSchedule struct {
	BasisPoints decimal.Decimal
	Floor       decimal.Decimal
}

// Validate rejects negative components.
func (f FeeSchedule) Validate() error {
	if f.BasisPoints.IsNegative() || f.Floor.IsNegative() {
		return fmt.Errorf("fee schedule must not be negative (bps %s, floor %s)", f.BasisPoints, f.Floor)
	}
	return nil
}

// Compute returns the unrounded fee for an unrounded principal. Rounding happens once, by the caller, at
// the fee asset's precision.
func (f FeeSchedule) Compute(principal decimal.Decimal) decimal.Decimal {
	fee := principal.Mul(f.BasisPoints).Div(basisPointDivisor)
	if fee.LessThan(f.Floor) {
		return f.Floor
	}
	return fee
}

// FeeTable maps a real-asset symbol to its fee schedule. Assets without an entry trade fee-free.
type FeeTable map[string]FeeSchedule

// For returns the schedule of an asset.
func (t FeeTable) For(symbol string) FeeSchedule {
	if f, ok := t[symbol]; ok {
		return f
	}
	return FeeSchedule{BasisPoints: decimal.Zero, Floor: decimal.Zero}
}
