package account

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/pbcex/settlement/internal/asset"
	"github.com/pbcex/settlement/internal/ledger"
	"github.com/pbcex/settlement/internal/logging"
	"github.com/pbcex/settlement/internal/middleware"
)

func TestHandlerProvisionMineAndBalances(t *testing.T) {
	dir := NewDirectory(NewMemoryRepository(), "")
	svc := ledger.NewService(ledger.NewInMemory(), asset.DefaultRegistry(), logging.Discard())
	h := NewHandler(dir, svc)

	app := fiber.New()
	app.Post("/admin/accounts", h.Provision)
	user := app.Group("", func(c *fiber.Ctx) error {
		c.Locals(middleware.UserIDLocal, c.Get("X-Test-User"))
		return c.Next()
	})
	user.Get("/accounts", h.Mine)
	user.Get("/balances/:asset", h.Balances)

	req := httptest.NewRequest(fiber.MethodPost, "/admin/accounts", strings.NewReader(`{"user_id":"u1"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil || resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("provision: %v %v", err, resp)
	}

	funding, err := dir.Resolve(context.Background(), "u1", Funding)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err = svc.PostJournal(context.Background(), ledger.JournalRequest{Entries: []ledger.Posting{
		{AccountID: CustodyAccount(asset.PAXG), Asset: asset.PAXG, Direction: ledger.Debit, Amount: decimal.NewFromInt(2)},
		{AccountID: funding, Asset: asset.PAXG, Direction: ledger.Credit, Amount: decimal.NewFromInt(2)},
	}})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	get := httptest.NewRequest(fiber.MethodGet, "/balances/PAXG", nil)
	get.Header.Set("X-Test-User", "u1")
	resp, err = app.Test(get)
	if err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("balances: %v %v", err, resp)
	}
	defer resp.Body.Close()
	var body struct {
		Balances []balanceResponse `json:"balances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Balances) != 2 {
		t.Fatalf("expected two accounts, got %+v", body.Balances)
	}
	for _, b := range body.Balances {
		want := decimal.Zero
		if b.AccountID == funding {
			want = decimal.NewFromInt(2)
		}
		if !b.Available.Equal(want) {
			t.Fatalf("account %s: available %s, want %s", b.AccountID, b.Available, want)
		}
	}

	anon := httptest.NewRequest(fiber.MethodGet, "/accounts", nil)
	if resp, _ := app.Test(anon); resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without user, got %d", resp.StatusCode)
	}

	stranger := httptest.NewRequest(fiber.MethodGet, "/balances/PAXG", nil)
	stranger.Header.Set("X-Test-User", "nobody")
	if resp, _ := app.Test(stranger); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unprovisioned user, got %d", resp.StatusCode)
	}
}
