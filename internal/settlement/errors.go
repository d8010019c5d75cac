package settlement

import (
	"errors"
	"fmt"

	"github.com/pbcex/settlement/internal/idempotency"
	"github.com/pbcex/settlement/internal/ledger"
	"github.com/pbcex/settlement/internal/oracle"
)

var (
	// ErrSlippageExceeded means the price moved beyond the caller's bound between quote and commit.
	// The caller should re-quote and retry.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrQuoteExpired means more time than the quote TTL passed between quote and commit.
	ErrQuoteExpired = fmt.Errorf("%w: quote expired", ErrSlippageExceeded)

	// ErrInvalidTrade is a malformed trade request. It is an InvalidEntry.
	ErrInvalidTrade = fmt.Errorf("%w: invalid trade", ledger.ErrInvalidEntry)

	// Re-exported so callers can classify engine errors from one package.
	ErrInsufficientBalance         = ledger.ErrInsufficientBalance
	ErrPriceUnavailable            = oracle.ErrPriceUnavailable
	ErrKeyReuse                    = idempotency.ErrKeyReuse
	ErrConcurrentRequestInProgress = idempotency.ErrConcurrentRequestInProgress
)
