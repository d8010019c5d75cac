package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pbcex/settlement/internal/account"
	"github.com/pbcex/settlement/internal/asset"
	"github.com/pbcex/settlement/internal/ledger"
)

// Result statuses.
const (
	StatusCredited  = "credited"
	StatusSubmitted = "submitted"
	StatusReversed  = "reversed"
)

var (
	// ErrCustodianRejected means the custodian declined the operation; no balance changed.
	ErrCustodianRejected = errors.New("custodian rejected")
	// ErrReferenceReuse means a deposit tx_ref or withdrawal id was sent again with different details.
	ErrReferenceReuse = errors.New("funding reference reused with different details")
	// ErrInvalidRequest covers malformed deposit and withdrawal inputs.
	ErrInvalidRequest = fmt.Errorf("%w: invalid funding request", ledger.ErrInvalidEntry)
)

// Service moves real assets between custody and users' funding accounts.
type Service struct {
	ledger    *ledger.Service
	accounts  *account.Directory
	assets    *asset.Registry
	custodian Custodian
	logger    *slog.Logger
}

// NewService prepares a funding service. A nil custodian approves everything.
func NewService(ledgerSvc *ledger.Service, accounts *account.Directory, assets *asset.Registry, custodian Custodian, logger *slog.Logger) *Service {
	if custodian == nil {
		custodian = StaticCustodian{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledgerSvc, accounts: accounts, assets: assets, custodian: custodian, logger: logger}
}

// DepositInput is a custodian-observed inbound transfer for a user.
type DepositInput struct {
	UserID string
	Asset  string
	Amount decimal.Decimal
	TxRef  string
}

// WithdrawalInput is a user request to send assets out of the platform.
type WithdrawalInput struct {
	UserID      string
	Asset       string
	Amount      decimal.Decimal
	ClientTxID  string
	Destination string
}

// Result represents the domain outcome of a funding operation.
type Result struct {
	JournalID          string
	Status             string
	Asset              string
	Amount             decimal.Decimal
	Available          decimal.Decimal
	CustodianReference string
	CompletedAt        time.Time
}

// Deposit confirms the transfer with the custodian and credits the user's funding account. Each TxRef is
// credited once; a repeat returns the original journal with ledger.ErrDuplicateReference.
func (s *Service) Deposit(ctx context.Context, input DepositInput) (Result, error) {
	a, funding, err := s.prepare(ctx, input.UserID, input.Asset, input.Amount)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(input.TxRef) == "" {
		return Result{}, fmt.Errorf("%w: tx_ref is required", ErrInvalidRequest)
	}

	reference := "deposit:" + a.Symbol + ":" + input.TxRef
	existing, err := s.ledger.JournalByReference(ctx, reference)
	switch {
	case err == nil:
		return s.replayDeposit(ctx, existing, input, funding, a.Symbol)
	case !errors.Is(err, ledger.ErrJournalNotFound):
		return Result{}, err
	}

	decision, err := s.custodian.ConfirmDeposit(ctx, DepositConfirmation{Asset: a.Symbol, Amount: input.Amount, TxRef: input.TxRef})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrCustodianRejected, err)
	}

	j, err := s.ledger.PostJournal(ctx, ledger.JournalRequest{
		Reference:   reference,
		Description: "deposit " + input.Amount.String() + " " + a.Symbol,
		UserID:      input.UserID,
		Metadata:    map[string]string{"custodian_reference": decision.Reference, "tx_ref": input.TxRef},
		Entries: []ledger.Posting{
			{AccountID: account.CustodyAccount(a.Symbol), Asset: a.Symbol, Direction: ledger.Debit, Amount: input.Amount},
			{AccountID: funding, Asset: a.Symbol, Direction: ledger.Credit, Amount: input.Amount},
		},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return s.replayDeposit(ctx, j, input, funding, a.Symbol)
		}
		return Result{}, err
	}
	s.logger.Info("deposit credited", slog.String("user_id", input.UserID), slog.String("journal_id", j.ID))
	return s.result(ctx, j, funding, a.Symbol, StatusCredited), nil
}

// Withdraw debits the funding account first, under the ledger's balance guard, then asks the custodian to
// release the assets. A custodian rejection is undone with a reversing journal.
func (s *Service) Withdraw(ctx context.Context, input WithdrawalInput) (Result, error) {
	a, funding, err := s.prepare(ctx, input.UserID, input.Asset, input.Amount)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(input.ClientTxID) == "" {
		return Result{}, fmt.Errorf("%w: client_tx_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(input.Destination) == "" {
		return Result{}, fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	}

	reference := "withdrawal:" + input.UserID + ":" + input.ClientTxID
	existing, err := s.ledger.JournalByReference(ctx, reference)
	switch {
	case err == nil:
		return s.replayWithdrawal(ctx, existing, input, funding, a.Symbol)
	case !errors.Is(err, ledger.ErrJournalNotFound):
		return Result{}, err
	}

	j, err := s.ledger.PostJournal(ctx, ledger.JournalRequest{
		Reference:   reference,
		Description: "withdrawal " + input.Amount.String() + " " + a.Symbol,
		UserID:      input.UserID,
		Metadata:    map[string]string{"destination": input.Destination},
		Entries: []ledger.Posting{
			{AccountID: funding, Asset: a.Symbol, Direction: ledger.Debit, Amount: input.Amount},
			{AccountID: account.CustodyAccount(a.Symbol), Asset: a.Symbol, Direction: ledger.Credit, Amount: input.Amount},
		},
		Guards: []ledger.Guard{{AccountID: funding, Asset: a.Symbol}},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return s.replayWithdrawal(ctx, j, input, funding, a.Symbol)
		}
		return Result{}, err
	}

	decision, err := s.custodian.AuthorizeWithdrawal(context.WithoutCancel(ctx), WithdrawalAuthorization{
		Asset:       a.Symbol,
		Amount:      input.Amount,
		Destination: input.Destination,
	})
	if err != nil {
		if _, rerr := s.ledger.Reverse(context.WithoutCancel(ctx), j.ID, "custodian rejected withdrawal"); rerr != nil {
			s.logger.Error("failed to reverse rejected withdrawal", slog.String("journal_id", j.ID), slog.Any("error", rerr))
		}
		return Result{}, fmt.Errorf("%w: %v", ErrCustodianRejected, err)
	}

	res := s.result(ctx, j, funding, a.Symbol, StatusSubmitted)
	res.CustodianReference = decision.Reference
	return res, nil
}

// replayDeposit answers a repeated tx_ref. The original result is returned only when user and amount match.
func (s *Service) replayDeposit(ctx context.Context, j ledger.Journal, input DepositInput, funding, symbol string) (Result, error) {
	if !sameRequest(j, input.UserID, funding, input.Amount) {
		return Result{}, fmt.Errorf("%w: tx_ref %s", ErrReferenceReuse, input.TxRef)
	}
	return s.result(ctx, j, funding, symbol, StatusCredited), ledger.ErrDuplicateReference
}

// replayWithdrawal answers a repeated withdrawal id. A withdrawal the custodian declined stays declined.
func (s *Service) replayWithdrawal(ctx context.Context, j ledger.Journal, input WithdrawalInput, funding, symbol string) (Result, error) {
	if !sameRequest(j, input.UserID, funding, input.Amount) || j.Metadata["destination"] != input.Destination {
		return Result{}, fmt.Errorf("%w: client_tx_id %s", ErrReferenceReuse, input.ClientTxID)
	}
	_, err := s.ledger.JournalByReference(ctx, ledger.ReversalReference(j.ID))
	switch {
	case err == nil:
		return s.result(ctx, j, funding, symbol, StatusReversed),
			fmt.Errorf("%w: withdrawal %s was declined and reversed", ErrCustodianRejected, input.ClientTxID)
	case !errors.Is(err, ledger.ErrJournalNotFound):
		return Result{}, err
	}
	return s.result(ctx, j, funding, symbol, StatusSubmitted), ledger.ErrDuplicateReference
}

func sameRequest(j ledger.Journal, userID, funding string, amount decimal.Decimal) bool {
	if j.UserID != userID {
		return false
	}
	for _, e := range j.Entries {
		if e.AccountID == funding {
			return e.Amount.Equal(amount)
		}
	}
	return false
}

func (s *Service) prepare(ctx context.Context, userID, symbol string, amount decimal.Decimal) (asset.Asset, string, error) {
	a, err := s.assets.Lookup(symbol)
	if err != nil {
		return asset.Asset{}, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if a.Kind != asset.KindReal {
		return asset.Asset{}, "", fmt.Errorf("%w: only real assets can be deposited or withdrawn", ErrInvalidRequest)
	}
	if !amount.IsPositive() {
		return asset.Asset{}, "", fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	funding, err := s.accounts.Resolve(ctx, userID, account.Funding)
	if err != nil {
		return asset.Asset{}, "", err
	}
	return a, funding, nil
}

func (s *Service) result(ctx context.Context, j ledger.Journal, funding, symbol, status string) Result {
	res := Result{
		JournalID:          j.ID,
		Status:             status,
		Asset:              symbol,
		CustodianReference: j.Metadata["custodian_reference"],
		CompletedAt:        j.CreatedAt,
	}
	for _, e := range j.Entries {
		if e.AccountID == funding {
			res.Amount = e.Amount
		}
	}
	if b, err := s.ledger.Balance(ctx, funding, symbol); err == nil {
		res.Available = b.Available()
	}
	return res
}
