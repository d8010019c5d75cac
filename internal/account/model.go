package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/pbcex/settlement/internal/asset"
)

// Type partitions a user's ledger-visible accounts.
type Type string

const (
	// Funding accounts hold real assets.
	Funding Type = "FUNDING"
	// Trading accounts hold synthetic assets.
	Trading Type = "TRADING"
	// System accounts are platform-owned: fee, reserve, issuance and custody accounts.
	System Type = "SYSTEM"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account exists")
	ErrInvalidType     = errors.New("invalid account type")
)

// Account is a wallet partition owned by one user, or a system account with no owner.
type Account struct {
	ID        string
	UserID    string
	Type      Type
	CreatedAt time.Time
}

// ParseType validates a user account type.
func ParseType(v string) (Type, error) {
	switch Type(v) {
	case Funding, Trading:
		return Type(v), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, v)
	}
}

// TypeFor returns the account type an asset of the given kind may post to.
func TypeFor(kind asset.Kind) Type {
	if kind == asset.KindSynthetic {
		return Trading
	}
	return Funding
}

// DefaultHouseAccount accumulates trading fees unless configured otherwise.
const DefaultHouseAccount = "house:fees"

// ReserveAccount backs minted synthetics with the real asset.
func ReserveAccount(realAsset string) string { return "reserve:" + realAsset }

// IssuanceAccount is the contra account synthetic supply is minted from and burned into.
func IssuanceAccount(synthetic string) string { return "issuance:" + synthetic }

// CustodyAccount mirrors external holdings of an asset; deposits move value from it into funding accounts.
func CustodyAccount(sym string) string { return "custody:" + sym }
