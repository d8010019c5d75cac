package ledger

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// Handler exposes administrative ledger endpoints: manual journals, reversals and read models.
type Handler struct {
	service *Service
}

// NewHandler constructs a ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type postingRequest struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Direction string          `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
}

type guardRequest struct {
	AccountID string `json:"account_id"`
	Asset     string `json:"asset"`
}

type journalRequest struct {
	Reference   string            `json:"reference"`
	Description string            `json:"description"`
	UserID      string            `json:"user_id"`
	Metadata    map[string]string `json:"metadata"`
	Entries     []postingRequest  `json:"entries"`
	Guards      []guardRequest    `json:"guards"`
}

type entryResponse struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Direction Direction       `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
}

type journalResponse struct {
	ID          string            `json:"id"`
	Reference   string            `json:"reference"`
	Description string            `json:"description,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Entries     []entryResponse   `json:"entries"`
}

func toJournalResponse(j Journal) journalResponse {
	out := journalResponse{
		ID:          j.ID,
		Reference:   j.Reference,
		Description: j.Description,
		UserID:      j.UserID,
		Metadata:    j.Metadata,
		CreatedAt:   j.CreatedAt,
		Entries:     make([]entryResponse, 0, len(j.Entries)),
	}
	for _, e := range j.Entries {
		out.Entries = append(out.Entries, entryResponse{ID: e.ID, AccountID: e.AccountID, Asset: e.Asset, Direction: e.Direction, Amount: e.Amount})
	}
	return out
}

// PostJournal commits a manual journal (deposits, withdrawals, corrections).
func (h *Handler) PostJournal(c *fiber.Ctx) error {
	var req journalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	in := JournalRequest{
		Reference:   req.Reference,
		Description: req.Description,
		UserID:      req.UserID,
		Metadata:    req.Metadata,
	}
	for _, p := range req.Entries {
		in.Entries = append(in.Entries, Posting{
			AccountID: p.AccountID,
			Asset:     p.Asset,
			Direction: Direction(strings.ToUpper(strings.TrimSpace(p.Direction))),
			Amount:    p.Amount,
		})
	}
	for _, g := range req.Guards {
		in.Guards = append(in.Guards, Guard{AccountID: g.AccountID, Asset: g.Asset})
	}

	j, err := h.service.PostJournal(c.UserContext(), in)
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return c.Status(http.StatusConflict).JSON(fiber.Map{"error": err.Error(), "journal": toJournalResponse(j)})
		}
		return ledgerError(err)
	}
	return c.Status(http.StatusCreated).JSON(toJournalResponse(j))
}

// GetJournal returns a journal with its entries.
func (h *Handler) GetJournal(c *fiber.Ctx) error {
	j, err := h.service.Journal(c.UserContext(), c.Params("id"))
	if err != nil {
		return ledgerError(err)
	}
	return c.JSON(toJournalResponse(j))
}

// Reverse posts the reversing journal of :id.
func (h *Handler) Reverse(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Reason) == "" {
		return fiber.NewError(http.StatusBadRequest, "reason is required")
	}
	j, err := h.service.Reverse(c.UserContext(), c.Params("id"), req.Reason)
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return c.Status(http.StatusConflict).JSON(fiber.Map{"error": "journal already reversed", "journal": toJournalResponse(j)})
		}
		return ledgerError(err)
	}
	return c.Status(http.StatusCreated).JSON(toJournalResponse(j))
}

// TrialBalance returns per-asset debit and credit totals.
func (h *Handler) TrialBalance(c *fiber.Ctx) error {
	rows, err := h.service.GetTrialBalance(c.UserContext())
	if err != nil {
		return ledgerError(err)
	}
	out := make([]fiber.Map, 0, len(rows))
	balanced := true
	for _, r := range rows {
		balanced = balanced && r.Balanced()
		out = append(out, fiber.Map{
			"asset":      r.Asset,
			"debits":     r.Debits,
			"credits":    r.Credits,
			"difference": r.Difference,
		})
	}
	return c.JSON(fiber.Map{"balanced": balanced, "assets": out})
}

// Materialize rebuilds the balance projection from the entry log.
func (h *Handler) Materialize(c *fiber.Ctx) error {
	n, err := h.service.MaterializeBalances(c.UserContext())
	if err != nil {
		return ledgerError(err)
	}
	return c.JSON(fiber.Map{"rows": n})
}

type holdResponse struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func toHoldResponse(h Hold) holdResponse {
	return holdResponse{ID: h.ID, AccountID: h.AccountID, Asset: h.Asset, Amount: h.Amount, Reference: h.Reference, Status: h.Status, CreatedAt: h.CreatedAt}
}

// PlaceHold reserves part of an account's holding.
func (h *Handler) PlaceHold(c *fiber.Ctx) error {
	var req struct {
		AccountID string          `json:"account_id"`
		Asset     string          `json:"asset"`
		Reference string          `json:"reference"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	hold, err := h.service.PlaceHold(c.UserContext(), req.AccountID, req.Asset, req.Reference, req.Amount)
	if err != nil {
		return ledgerError(err)
	}
	return c.Status(http.StatusCreated).JSON(toHoldResponse(hold))
}

// ReleaseHold closes the hold :id.
func (h *Handler) ReleaseHold(c *fiber.Ctx) error {
	hold, err := h.service.ReleaseHold(c.UserContext(), c.Params("id"))
	if err != nil {
		return ledgerError(err)
	}
	return c.JSON(toHoldResponse(hold))
}

func ledgerError(err error) error {
	switch {
	case errors.Is(err, ErrJournalNotFound), errors.Is(err, ErrHoldNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrLedgerImbalance), errors.Is(err, ErrInvalidEntry):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrHoldClosed):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInsufficientBalance):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
