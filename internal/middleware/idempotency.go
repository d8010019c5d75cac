package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pbcex/settlement/internal/idempotency"
)

const (
	// IdempotencyKeyHeader carries the client request id.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader is set on responses served from the idempotency cache.
	ReplayedHeader = "Idempotent-Replayed"

	persistTimeout = 2 * time.Second
)

type storedResponse struct {
	Status      int    `json:"status"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"`
}

// Idempotency makes unsafe requests on the wrapped routes replayable: the first response for an
// (user, path, Idempotency-Key) is cached by the guard and returned verbatim on retries, marked with
// Idempotent-Replayed. Error responses release the key so the client may retry.
func Idempotency(guard *idempotency.Guard, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(IdempotencyKeyHeader))
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		userID, _ := c.Locals(UserIDLocal).(string)
		if userID == "" {
			userID = "anonymous"
		}
		route := c.Method() + " " + c.Path()

		res, err := guard.Begin(c.UserContext(), userID, route, key, idempotency.Hash(c.Body()))
		if err != nil {
			return idempotencyError(err)
		}
		if res.Replay {
			var stored storedResponse
			if err := json.Unmarshal(res.Response, &stored); err != nil {
				logger.Warn("failed to decode stored idempotent response", slog.String("key", key), slog.Any("error", err))
				return fiber.NewError(fiber.StatusConflict, "duplicate request")
			}
			c.Set(ReplayedHeader, "true")
			if stored.ContentType != "" {
				c.Set(fiber.HeaderContentType, stored.ContentType)
			}
			return c.Status(stored.Status).SendString(stored.Body)
		}

		err = c.Next()

		// The persist deadline starts once the handler is done, however long it ran.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.UserContext()), persistTimeout)
		defer cancel()

		if err != nil {
			guard.Abort(ctx, res)
			return err
		}
		status := c.Response().StatusCode()
		if status >= fiber.StatusBadRequest {
			guard.Abort(ctx, res)
			return nil
		}

		stored := storedResponse{
			Status:      status,
			Body:        string(c.Response().Body()),
			ContentType: string(c.Response().Header.ContentType()),
		}
		if err := guard.Complete(ctx, res, stored); err != nil {
			logger.Error("failed to persist idempotent response", slog.String("key", key), slog.Any("error", err))
		}
		return nil
	}
}

func idempotencyError(err error) error {
	switch {
	case errors.Is(err, idempotency.ErrInvalidKey):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, idempotency.ErrKeyReuse):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, idempotency.ErrConcurrentRequestInProgress):
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
	}
}
