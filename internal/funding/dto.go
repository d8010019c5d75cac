package funding

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositRequest is posted by operators or the custodian webhook relay.
type DepositRequest struct {
	UserID string          `json:"user_id"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	TxRef  string          `json:"tx_ref"`
}

// WithdrawalRequest captures a user's withdrawal details.
type WithdrawalRequest struct {
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
	ClientTxID  string          `json:"client_tx_id"`
}

// FundingResponse represents the API response for funding actions.
type FundingResponse struct {
	JournalID          string          `json:"journal_id"`
	Status             string          `json:"status"`
	Asset              string          `json:"asset"`
	Amount             decimal.Decimal `json:"amount"`
	Available          decimal.Decimal `json:"available"`
	CustodianReference string          `json:"custodian_reference,omitempty"`
	CompletedAt        time.Time       `json:"completed_at"`
}
