package settlement

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/pbcex/settlement/internal/asset"
	"github.com/pbcex/settlement/internal/middleware"
)

func tradeApp(f *fixture) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if uid := c.Get("X-Test-User"); uid != "" {
			c.Locals(middleware.UserIDLocal, uid)
		}
		return c.Next()
	})
	app.Post("/trades", NewHandler(f.engine).Trade)
	return app
}

type tradeResponse struct {
	status   int
	body     map[string]any
	replayed string
	retry    string
}

func postTrade(t *testing.T, app *fiber.App, user, key, body string) tradeResponse {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/trades", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	if key != "" {
		req.Header.Set(middleware.IdempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := tradeResponse{status: resp.StatusCode, replayed: resp.Header.Get(middleware.ReplayedHeader), retry: resp.Header.Get(fiber.HeaderRetryAfter)}
	if resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return out
}

const buyBody = `{"side":"buy","symbol":"XAU-s","quantity":"1.0","max_slippage":"0.05"}`

func TestHandlerTradeAndReplay(t *testing.T) {
	f := newFixture(t, defaultFees())
	app := tradeApp(f)

	first := postTrade(t, app, "user-1", "R1", buyBody)
	if first.status != fiber.StatusCreated || first.replayed != "" {
		t.Fatalf("first trade: status %d replayed %q", first.status, first.replayed)
	}
	if first.body["fee"] != "0.005" || first.body["state"] != string(StateReceiptIssued) {
		t.Fatalf("unexpected receipt %v", first.body)
	}

	second := postTrade(t, app, "user-1", "R1", buyBody)
	if second.status != fiber.StatusOK || second.replayed != "true" {
		t.Fatalf("replay: status %d replayed %q", second.status, second.replayed)
	}
	if second.body["journal_id"] != first.body["journal_id"] {
		t.Fatalf("replay served a different journal: %v vs %v", second.body["journal_id"], first.body["journal_id"])
	}

	reuse := postTrade(t, app, "user-1", "R1", `{"side":"buy","symbol":"XAU-s","quantity":"2","max_slippage":"0.05"}`)
	if reuse.status != fiber.StatusUnprocessableEntity {
		t.Fatalf("key reuse: expected 422, got %d", reuse.status)
	}
}

func TestHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(f *fixture)
		user   string
		key    string
		body   string
		status int
		retry  bool
	}{
		{name: "unauthenticated", key: "k", body: buyBody, status: fiber.StatusUnauthorized},
		{name: "missing key", user: "user-1", body: buyBody, status: fiber.StatusBadRequest},
		{name: "bad side", user: "user-1", key: "k", body: `{"side":"hold","symbol":"XAU-s","quantity":"1","max_slippage":"0"}`, status: fiber.StatusBadRequest},
		{name: "bad symbol", user: "user-1", key: "k", body: `{"side":"buy","symbol":"PAXG","quantity":"1","max_slippage":"0"}`, status: fiber.StatusBadRequest},
		{name: "insufficient", user: "user-1", key: "k", body: `{"side":"buy","symbol":"XAU-s","quantity":"5","max_slippage":"0.05"}`, status: fiber.StatusUnprocessableEntity},
		{name: "slippage", setup: func(f *fixture) { f.prices.Sequence(asset.PAXG, d("2000"), d("2200")) },
			user: "user-1", key: "k", body: buyBody, status: fiber.StatusConflict},
		{name: "price unavailable", setup: func(f *fixture) { f.prices.Fail(asset.PAXG, errors.New("down")) },
			user: "user-1", key: "k", body: buyBody, status: fiber.StatusServiceUnavailable, retry: true},
		{name: "not provisioned", user: "user-2", key: "k", body: buyBody, status: fiber.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, defaultFees())
			if tc.setup != nil {
				tc.setup(f)
			}
			res := postTrade(t, tradeApp(f), tc.user, tc.key, tc.body)
			if res.status != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, res.status)
			}
			if tc.retry && res.retry == "" {
				t.Fatalf("expected Retry-After header")
			}
		})
	}
}

func TestHandlerRequestIDFromBody(t *testing.T) {
	f := newFixture(t, defaultFees())
	app := tradeApp(f)
	body := `{"side":"BUY","symbol":"XAU-s","quantity":"0.5","max_slippage":"0.01","request_id":"body-1"}`
	if res := postTrade(t, app, "user-1", "", body); res.status != fiber.StatusCreated || res.body["request_id"] != "body-1" {
		t.Fatalf("unexpected response %d %v", res.status, res.body)
	}
}
