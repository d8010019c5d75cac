package settlement

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pbcex/settlement/internal/ledger"
)

// ReceiptSchemaVersion is bumped whenever Receipt changes incompatibly.
const ReceiptSchemaVersion = 1

const (
	metaReceipt     = "receipt"
	metaRequestHash = "request_hash"
	metaRequestID   = "request_id"
	metaSide        = "side"
)

// Receipt is the client-facing record of a settled trade. A replay returns the same receipt.
type Receipt struct {
	SchemaVersion  int             `json:"schema_version"`
	JournalID      string          `json:"journal_id"`
	RequestID      string          `json:"request_id"`
	UserID         string          `json:"user_id"`
	Side           Side            `json:"side"`
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	PriceSource    string          `json:"price_source"`
	Principal      decimal.Decimal `json:"principal"`
	PrincipalAsset string          `json:"principal_asset"`
	Fee            decimal.Decimal `json:"fee"`
	FeeAsset       string          `json:"fee_asset"`
	FeeUSD         decimal.Decimal `json:"fee_usd"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// receiptFromJournal rebuilds the receipt stored in a trade journal's metadata.
func receiptFromJournal(j ledger.Journal) (Receipt, error) {
	raw, ok := j.Metadata[metaReceipt]
	if !ok {
		return Receipt{}, fmt.Errorf("journal %s carries no receipt", j.ID)
	}
	var r Receipt
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt of journal %s: %w", j.ID, err)
	}
	r.JournalID = j.ID
	r.ExecutedAt = j.CreatedAt
	return r, nil
}

func encodeReceipt(r Receipt) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}
	return string(b), nil
}

func decodeCachedReceipt(raw []byte) (Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, fmt.Errorf("decode cached receipt: %w", err)
	}
	return r, nil
}
