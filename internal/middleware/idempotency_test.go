package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/pbcex/settlement/internal/idempotency"
	"github.com/pbcex/settlement/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, *atomic.Int32) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	guard := idempotency.NewGuard(idempotency.NewRedisStore(cache), idempotency.Config{TTL: time.Minute}, logging.Discard())
	calls := &atomic.Int32{}
	app := fiber.New()
	app.Use(Idempotency(guard, logging.Discard()))
	app.Post("/resource", func(c *fiber.Ctx) error {
		calls.Add(1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true, "n": calls.Load()})
	})
	app.Post("/failing", func(c *fiber.Ctx) error {
		calls.Add(1)
		return fiber.NewError(fiber.StatusUnprocessableEntity, "nope")
	})
	return app, calls
}

func post(t *testing.T, app *fiber.App, path, key, body string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(payload), resp.Header.Get(ReplayedHeader)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, _ := setupTestApp(t)
	if status, _, _ := post(t, app, "/resource", "", "{}"); status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls := setupTestApp(t)

	status, payload, replayed := post(t, app, "/resource", "abc123", "{}")
	if status != fiber.StatusCreated || replayed != "" {
		t.Fatalf("first request: status %d replayed %q", status, replayed)
	}

	status2, payload2, replayed2 := post(t, app, "/resource", "abc123", "{}")
	if status2 != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status2)
	}
	if payload2 != payload {
		t.Fatalf("expected cached payload %s got %s", payload, payload2)
	}
	if replayed2 != "true" {
		t.Fatalf("replay not flagged")
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	app, _ := setupTestApp(t)
	post(t, app, "/resource", "k1", `{"a":1}`)
	if status, _, _ := post(t, app, "/resource", "k1", `{"a":2}`); status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected key reuse to be rejected, got %d", status)
	}
}

func TestIdempotencyReleasesKeyOnError(t *testing.T) {
	app, calls := setupTestApp(t)
	post(t, app, "/failing", "k2", "{}")
	post(t, app, "/failing", "k2", "{}")
	if calls.Load() != 2 {
		t.Fatalf("failed request should not be cached, handler ran %d times", calls.Load())
	}
}

func TestIdempotencyPersistsSlowHandlerResponse(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	guard := idempotency.NewGuard(idempotency.NewRedisStore(cache), idempotency.Config{TTL: time.Hour, Lease: 30 * time.Second}, logging.Discard())
	calls := &atomic.Int32{}
	app := fiber.New()
	app.Use(Idempotency(guard, logging.Discard()))
	app.Post("/journals", func(c *fiber.Ctx) error {
		calls.Add(1)
		time.Sleep(persistTimeout + 100*time.Millisecond)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"n": calls.Load()})
	})

	status, payload, _ := post(t, app, "/journals", "slow-1", "{}")
	if status != fiber.StatusCreated {
		t.Fatalf("first request: expected 201 got %d", status)
	}

	status, replayPayload, replayed := post(t, app, "/journals", "slow-1", "{}")
	if status != fiber.StatusCreated || replayed != "true" || replayPayload != payload {
		t.Fatalf("retry should replay the stored response: status %d replayed %q body %s", status, replayed, replayPayload)
	}

	mr.FastForward(31 * time.Second)
	if status, _, replayed = post(t, app, "/journals", "slow-1", "{}"); status != fiber.StatusCreated || replayed != "true" {
		t.Fatalf("retry after the lease window should still replay: status %d replayed %q", status, replayed)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times for one key", calls.Load())
	}
}

func signToken(t *testing.T, secret, sub, role string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestJWTAuthAndRoles(t *testing.T) {
	app := fiber.New()
	app.Use(JWTAuth("secret"))
	app.Get("/me", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(UserIDLocal).(string))
	})
	app.Get("/admin", RequireRole(RoleAdmin), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	cases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"missing", "/me", "", fiber.StatusUnauthorized},
		{"valid", "/me", signToken(t, "secret", "user-1", "", time.Now().Add(time.Hour)), fiber.StatusOK},
		{"wrong secret", "/me", signToken(t, "other", "user-1", "", time.Now().Add(time.Hour)), fiber.StatusUnauthorized},
		{"expired", "/me", signToken(t, "secret", "user-1", "", time.Now().Add(-time.Hour)), fiber.StatusUnauthorized},
		{"not admin", "/admin", signToken(t, "secret", "user-1", "", time.Now().Add(time.Hour)), fiber.StatusForbidden},
		{"admin", "/admin", signToken(t, "secret", "ops", RoleAdmin, time.Now().Add(time.Hour)), fiber.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.Header.Set(fiber.HeaderAuthorization, "Bearer "+tc.token)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestTradeRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(UserIDLocal, "user-1")
		return c.Next()
	})
	app.Post("/trades", TradeRateLimit(cache, 2), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })

	var last int
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/trades", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		last = resp.StatusCode
	}
	if last != fiber.StatusTooManyRequests {
		t.Fatalf("third request should be limited, got %d", last)
	}
}
