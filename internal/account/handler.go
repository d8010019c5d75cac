package account

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/pbcex/settlement/internal/ledger"
	"github.com/pbcex/settlement/internal/middleware"
)

// BalanceReader reads projected balances.
type BalanceReader interface {
	Balance(ctx context.Context, accountID, asset string) (ledger.Balance, error)
}

// Handler exposes account HTTP endpoints.
type Handler struct {
	directory *Directory
	balances  BalanceReader
}

// NewHandler builds an account HTTP handler.
func NewHandler(directory *Directory, balances BalanceReader) *Handler {
	return &Handler{directory: directory, balances: balances}
}

type provisionRequest struct {
	UserID string `json:"user_id"`
}

type accountResponse struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Type   Type   `json:"type"`
}

func toResponses(accounts []Account) []accountResponse {
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountResponse{ID: a.ID, UserID: a.UserID, Type: a.Type})
	}
	return out
}

// Provision creates funding and trading accounts for a user (admin only).
func (h *Handler) Provision(c *fiber.Ctx) error {
	var req provisionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	accounts, err := h.directory.Provision(c.UserContext(), req.UserID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"accounts": toResponses(accounts)})
}

// Mine lists the authenticated user's accounts.
func (h *Handler) Mine(c *fiber.Ctx) error {
	uid, _ := c.Locals(middleware.UserIDLocal).(string)
	if uid == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}
	accounts, err := h.directory.Accounts(c.UserContext(), uid)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"accounts": toResponses(accounts)})
}

type balanceResponse struct {
	AccountID string          `json:"account_id"`
	Type      Type            `json:"type"`
	Asset     string          `json:"asset"`
	Holding   decimal.Decimal `json:"holding"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
}

// Balances returns the authenticated user's holding of :asset in each of their accounts.
func (h *Handler) Balances(c *fiber.Ctx) error {
	uid, _ := c.Locals(middleware.UserIDLocal).(string)
	if uid == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}
	asset := strings.TrimSpace(c.Params("asset"))
	accounts, err := h.directory.Accounts(c.UserContext(), uid)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	if len(accounts) == 0 {
		return fiber.NewError(http.StatusNotFound, "no accounts provisioned")
	}
	out := make([]balanceResponse, 0, len(accounts))
	for _, a := range accounts {
		b, err := h.balances.Balance(c.UserContext(), a.ID, asset)
		if err != nil {
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
		out = append(out, balanceResponse{
			AccountID: a.ID,
			Type:      a.Type,
			Asset:     asset,
			Holding:   b.Holding(),
			Reserved:  b.Reserved,
			Available: b.Available(),
		})
	}
	return c.JSON(fiber.Map{"balances": out})
}
