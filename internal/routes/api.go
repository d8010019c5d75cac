package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/pbcex/settlement/internal/account"
	"github.com/pbcex/settlement/internal/audit"
	"github.com/pbcex/settlement/internal/funding"
	"github.com/pbcex/settlement/internal/ledger"
	"github.com/pbcex/settlement/internal/settlement"
)

// RegisterAccountRoutes wires the authenticated user's account reads.
func RegisterAccountRoutes(r fiber.Router, h *account.Handler) {
	r.Get("/accounts", h.Mine)
	r.Get("/balances/:asset", h.Balances)
}

// RegisterTradeRoutes wires trade execution. Idempotency is enforced by the engine itself.
func RegisterTradeRoutes(r fiber.Router, h *settlement.Handler, rateLimiter fiber.Handler) {
	r.Post("/trades", rateLimiter, h.Trade)
}

// RegisterFundingRoutes wires user withdrawals.
func RegisterFundingRoutes(r fiber.Router, h *funding.Handler, idem fiber.Handler) {
	r.Post("/withdrawals", idem, h.Withdraw)
}

// AdminHandlers groups the operator-facing handlers.
type AdminHandlers struct {
	Ledger   *ledger.Handler
	Accounts *account.Handler
	Funding  *funding.Handler
	Audit    *audit.Handler
}

// RegisterAdminRoutes wires ledger administration. Mutating routes replay on a repeated Idempotency-Key.
func RegisterAdminRoutes(r fiber.Router, h AdminHandlers, idem fiber.Handler) {
	r.Post("/accounts", idem, h.Accounts.Provision)
	r.Post("/deposits", idem, h.Funding.Deposit)
	r.Post("/journals", idem, h.Ledger.PostJournal)
	r.Get("/journals/:id", h.Ledger.GetJournal)
	r.Post("/journals/:id/reverse", idem, h.Ledger.Reverse)
	r.Get("/trial-balance", h.Ledger.TrialBalance)
	r.Post("/balances/materialize", idem, h.Ledger.Materialize)
	r.Post("/holds", idem, h.Ledger.PlaceHold)
	r.Delete("/holds/:id", h.Ledger.ReleaseHold)
	r.Get("/audit", h.Audit.Run)
}
