package settlement

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/pbcex/settlement/internal/account"
	"github.com/pbcex/settlement/internal/middleware"
)

const retryAfterSeconds = "1"

// Handler exposes the trade endpoint.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a trade handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type tradeRequest struct {
	Side        string          `json:"side"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	MaxSlippage decimal.Decimal `json:"max_slippage"`
	RequestID   string          `json:"request_id"`
}

type receiptResponse struct {
	JournalID      string          `json:"journal_id"`
	RequestID      string          `json:"request_id"`
	Side           Side            `json:"side"`
	Symbol         string          `json:"symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	PriceSource    string          `json:"price_source,omitempty"`
	Principal      decimal.Decimal `json:"principal"`
	PrincipalAsset string          `json:"principal_asset"`
	Fee            decimal.Decimal `json:"fee"`
	FeeAsset       string          `json:"fee_asset"`
	FeeUSD         decimal.Decimal `json:"fee_usd"`
	ExecutedAt     time.Time       `json:"executed_at"`
	State          State           `json:"state"`
}

// Trade executes a BUY or SELL for the authenticated user. The request id comes from the Idempotency-Key
// header, or from the body when the header is absent.
func (h *Handler) Trade(c *fiber.Ctx) error {
	uid, _ := c.Locals(middleware.UserIDLocal).(string)
	if uid == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}
	var req tradeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	side, err := ParseSide(req.Side)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	requestID := strings.TrimSpace(c.Get(middleware.IdempotencyKeyHeader))
	if requestID == "" {
		requestID = strings.TrimSpace(req.RequestID)
	}
	if requestID == "" {
		return fiber.NewError(http.StatusBadRequest, "missing Idempotency-Key header")
	}

	res, err := h.engine.ExecuteTrade(c.UserContext(), TradeRequest{
		UserID:      uid,
		Side:        side,
		Symbol:      strings.TrimSpace(req.Symbol),
		Quantity:    req.Quantity,
		MaxSlippage: req.MaxSlippage,
		RequestID:   requestID,
	})
	if err != nil {
		return tradeError(c, err)
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
		c.Set(middleware.ReplayedHeader, "true")
	}
	r := res.Receipt
	return c.Status(status).JSON(receiptResponse{
		JournalID:      r.JournalID,
		RequestID:      r.RequestID,
		Side:           r.Side,
		Symbol:         r.Symbol,
		Quantity:       r.Quantity,
		Price:          r.Price,
		PriceSource:    r.PriceSource,
		Principal:      r.Principal,
		PrincipalAsset: r.PrincipalAsset,
		Fee:            r.Fee,
		FeeAsset:       r.FeeAsset,
		FeeUSD:         r.FeeUSD,
		ExecutedAt:     r.ExecutedAt,
		State:          res.State,
	})
}

func tradeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrKeyReuse):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrConcurrentRequestInProgress):
		c.Set(fiber.HeaderRetryAfter, retryAfterSeconds)
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInsufficientBalance):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrSlippageExceeded):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrPriceUnavailable):
		c.Set(fiber.HeaderRetryAfter, retryAfterSeconds)
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, account.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, "trading accounts not provisioned")
	case errors.Is(err, ErrInvalidTrade):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "trade failed")
	}
}
