package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrLedgerImbalance is returned when a journal's per-asset debits and credits do not net to zero.
	ErrLedgerImbalance = errors.New("ledger imbalance")

	// ErrInvalidEntry covers malformed journals: fewer than two legs, non-positive amounts,
	// unknown assets or amounts beyond the asset precision.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrInsufficientBalance occurs when a guarded account would end a commit with a negative
	// available amount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateReference indicates a journal with the same reference was already committed.
	// The existing journal is returned alongside the error.
	ErrDuplicateReference = errors.New("duplicate journal reference")

	// ErrJournalNotFound is returned by journal lookups.
	ErrJournalNotFound = errors.New("journal not found")

	// ErrHoldNotFound and ErrHoldClosed are returned by hold operations.
	ErrHoldNotFound = errors.New("hold not found")
	ErrHoldClosed   = errors.New("hold closed")
)

// Direction is the side of a posting.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Opposite flips the direction, used when reversing journals.
func (d Direction) Opposite() Direction {
	if d == Debit {
		return Credit
	}
	return Debit
}

func (d Direction) valid() bool {
	return d == Debit || d == Credit
}

// Posting is one requested leg of a journal.
type Posting struct {
	AccountID string
	Asset     string
	Direction Direction
	Amount    decimal.Decimal
}

// Guard names an (account, asset) whose available amount must not go negative as a result of the
// commit. Customer and house accounts are credit-normal, so the checked value is
// credits - debits - reserved.
type Guard struct {
	AccountID string
	Asset     string
}

// JournalRequest is the input to Service.PostJournal.
type JournalRequest struct {
	Reference   string
	Description string
	UserID      string
	Metadata    map[string]string
	Entries     []Posting
	Guards      []Guard
}

// Journal is the immutable header of one economic event plus its entries.
type Journal struct {
	ID          string
	Reference   string
	Description string
	UserID      string
	Metadata    map[string]string
	CreatedAt   time.Time
	Entries     []Entry
}

// Entry is one committed posting line.
type Entry struct {
	ID        string
	JournalID string
	AccountID string
	Asset     string
	Direction Direction
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Signed returns the entry's contribution to the balance projection (debits positive).
func (e Entry) Signed() decimal.Decimal {
	if e.Direction == Credit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Balance is the projected value of one (account, asset): sum(debits) - sum(credits).
type Balance struct {
	AccountID string
	Asset     string
	Amount    decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

// Holding is the credit-normal view of the balance: what the account owner holds.
func (b Balance) Holding() decimal.Decimal {
	return b.Amount.Neg()
}

// Available is the holding minus active holds.
func (b Balance) Available() decimal.Decimal {
	return b.Holding().Sub(b.Reserved)
}

// TrialBalanceRow carries ledger-wide totals for one asset.
type TrialBalanceRow struct {
	Asset      string
	Debits     decimal.Decimal
	Credits    decimal.Decimal
	Difference decimal.Decimal
}

// Balanced reports whether debits equal credits exactly.
func (r TrialBalanceRow) Balanced() bool {
	return r.Difference.IsZero()
}

// DriftIncident reports a projection row that disagrees with the entry log.
type DriftIncident struct {
	AccountID    string
	Asset        string
	Materialized decimal.Decimal
	Recomputed   decimal.Decimal
}

// Difference is materialized minus recomputed.
func (d DriftIncident) Difference() decimal.Decimal {
	return d.Materialized.Sub(d.Recomputed)
}

// Hold statuses.
const (
	HoldActive   = "active"
	HoldReleased = "released"
)

// Hold reserves part of an account's holding without posting a journal.
type Hold struct {
	ID        string
	AccountID string
	Asset     string
	Amount    decimal.Decimal
	Reference string
	Status    string
	CreatedAt time.Time
}

// Store is implemented by ledger backends. Commit must be atomic: the journal, all of its entries and
// the projection updates become visible together or not at all.
type Store interface {
	Commit(ctx context.Context, journal Journal, guards []Guard) (Journal, error)
	JournalByID(ctx context.Context, id string) (Journal, error)
	JournalByReference(ctx context.Context, reference string) (Journal, error)
	Balance(ctx context.Context, accountID, asset string) (Balance, error)
	Balances(ctx context.Context) ([]Balance, error)
	TrialBalance(ctx context.Context) ([]TrialBalanceRow, error)
	Materialize(ctx context.Context) (int, error)
	Drift(ctx context.Context) ([]DriftIncident, error)
	PlaceHold(ctx context.Context, hold Hold) (Hold, error)
	ReleaseHold(ctx context.Context, id string) (Hold, error)
}

type balanceKey struct {
	account string
	asset   string
}

func (k balanceKey) less(o balanceKey) bool {
	if k.account != o.account {
		return k.account < o.account
	}
	return k.asset < o.asset
}
