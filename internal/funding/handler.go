package funding

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/pbcex/settlement/internal/account"
	"github.com/pbcex/settlement/internal/ledger"
	"github.com/pbcex/settlement/internal/middleware"
)

// Handler exposes HTTP endpoints for custody funding flows.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Deposit credits a confirmed custody deposit (admin only).
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Deposit(c.UserContext(), DepositInput{
		UserID: req.UserID,
		Asset:  req.Asset,
		Amount: req.Amount,
		TxRef:  req.TxRef,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return c.Status(http.StatusOK).JSON(toResponse(result))
		}
		return fundingError(err)
	}

	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

// Withdraw sends assets from the user's funding account to an external destination.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	uid, _ := c.Locals(middleware.UserIDLocal).(string)
	if uid == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}
	var req WithdrawalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	clientTxID := strings.TrimSpace(c.Get(middleware.IdempotencyKeyHeader))
	if clientTxID == "" {
		clientTxID = req.ClientTxID
	}

	result, err := h.service.Withdraw(c.UserContext(), WithdrawalInput{
		UserID:      uid,
		Asset:       req.Asset,
		Amount:      req.Amount,
		ClientTxID:  clientTxID,
		Destination: req.Destination,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			return c.Status(http.StatusOK).JSON(toResponse(result))
		}
		return fundingError(err)
	}

	return c.Status(http.StatusCreated).JSON(toResponse(result))
}

func fundingError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, account.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrReferenceReuse):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrCustodianRejected):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ledger.ErrInvalidEntry):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

func toResponse(result Result) FundingResponse {
	return FundingResponse{
		JournalID:          result.JournalID,
		Status:             result.Status,
		Asset:              result.Asset,
		Amount:             result.Amount,
		Available:          result.Available,
		CustodianReference: result.CustodianReference,
		CompletedAt:        result.CompletedAt,
	}
}
