package funding

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Custodian represents the connector to the custodian holding the real assets.
type Custodian interface {
	ConfirmDeposit(ctx context.Context, input DepositConfirmation) (CustodianDecision, error)
	AuthorizeWithdrawal(ctx context.Context, input WithdrawalAuthorization) (CustodianDecision, error)
}

// CustodianDecision captures the custodian's response.
type CustodianDecision struct {
	Reference string
	Status    string
}

// DepositConfirmation identifies an inbound transfer the custodian should have received.
type DepositConfirmation struct {
	Asset  string
	Amount decimal.Decimal
	TxRef  string
}

// WithdrawalAuthorization asks the custodian to release assets to an external destination.
type WithdrawalAuthorization struct {
	Asset       string
	Amount      decimal.Decimal
	Destination string
}

// StaticCustodian approves everything with a synthetic reference.
type StaticCustodian struct{}

// ConfirmDeposit approves the deposit.
func (StaticCustodian) ConfirmDeposit(_ context.Context, _ DepositConfirmation) (CustodianDecision, error) {
	return CustodianDecision{Reference: uuid.NewString(), Status: "confirmed"}, nil
}

// AuthorizeWithdrawal approves the withdrawal.
func (StaticCustodian) AuthorizeWithdrawal(_ context.Context, _ WithdrawalAuthorization) (CustodianDecision, error) {
	return CustodianDecision{Reference: uuid.NewString(), Status: "approved"}, nil
}
