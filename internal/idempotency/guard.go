// Package idempotency deduplicates client requests by (user, route, request id) so retries return the
// original result instead of executing twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var (
	// ErrKeyReuse means the request id was already used with a different request body.
	ErrKeyReuse = errors.New("idempotency key reused with a different request")
	// ErrConcurrentRequestInProgress means another execution holds the key and did not finish in time.
	ErrConcurrentRequestInProgress = errors.New("request with this idempotency key is in progress")
	// ErrInvalidKey is returned for empty user, route or request id.
	ErrInvalidKey = errors.New("invalid idempotency key")

	errStillInProgress = errors.New("still in progress")
)

const maxRequestIDLength = 128

// Config bounds the guard's timing behaviour.
type Config struct {
	// TTL is how long completed responses are kept.
	TTL time.Duration
	// Lease is how long an in-progress marker lives if its owner dies without completing.
	Lease time.Duration
	// Wait bounds how long a duplicate waits for an in-flight execution.
	Wait time.Duration
}

// Reservation is the outcome of Begin. When Replay is set, Response holds the cached result and the caller
// must not execute; otherwise the caller owns the key until Complete or Abort.
type Reservation struct {
	Replay   bool
	Response json.RawMessage

	key   string
	hash  string
	token string
}

// Guard enforces at most one execution per key.
type Guard struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewGuard builds a guard over store. Zero config values fall back to 24h TTL, 30s lease and 2s wait.
func NewGuard(store Store, cfg Config, logger *slog.Logger) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, cfg: cfg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Key builds the storage key for a (user, route, request id) triple.
func Key(userID, route, requestID string) (string, error) {
	userID, route, requestID = strings.TrimSpace(userID), strings.TrimSpace(route), strings.TrimSpace(requestID)
	if userID == "" || route == "" || requestID == "" {
		return "", fmt.Errorf("%w: user, route and request id are required", ErrInvalidKey)
	}
	if len(requestID) > maxRequestIDLength {
		return "", fmt.Errorf("%w: request id longer than %d characters", ErrInvalidKey, maxRequestIDLength)
	}
	return userID + ":" + route + ":" + requestID, nil
}

// Begin claims the key or returns the cached response. A duplicate that arrives while the first execution
// is running waits up to Config.Wait for it to finish, then fails with ErrConcurrentRequestInProgress.
func (g *Guard) Begin(ctx context.Context, userID, route, requestID, requestHash string) (Reservation, error) {
	key, err := Key(userID, route, requestID)
	if err != nil {
		return Reservation{}, err
	}

	token := uuid.NewString()
	marker := Record{Status: statusInProgress, RequestHash: requestHash, Token: token, UpdatedAt: g.now()}

	attempt := func() (Reservation, error) {
		rec, created, err := g.store.Reserve(ctx, key, marker, g.cfg.Lease)
		if err != nil {
			return Reservation{}, backoff.Permanent(err)
		}
		if created {
			return Reservation{key: key, hash: requestHash, token: token}, nil
		}
		if rec.Status == "" {
			// lost the record between reserve and read
			return Reservation{}, errStillInProgress
		}
		if rec.RequestHash != requestHash {
			return Reservation{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrKeyReuse, requestID))
		}
		if rec.completed() {
			return Reservation{Replay: true, Response: rec.Response, key: key, hash: requestHash}, nil
		}
		return Reservation{}, errStillInProgress
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	res, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(g.cfg.Wait))
	if err != nil {
		if errors.Is(err, errStillInProgress) {
			g.logger.Warn("idempotent request still in progress",
				slog.String("user_id", userID), slog.String("route", route), slog.String("request_id", requestID))
			return Reservation{}, fmt.Errorf("%w: %s", ErrConcurrentRequestInProgress, requestID)
		}
		return Reservation{}, err
	}
	return res, nil
}

// Complete persists the final response for a reservation obtained from Begin.
func (g *Guard) Complete(ctx context.Context, r Reservation, response any) error {
	if r.Replay || r.key == "" {
		return nil
	}
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	return g.store.Complete(ctx, r.key, Record{
		Status:      statusCompleted,
		RequestHash: r.hash,
		Response:    payload,
		UpdatedAt:   g.now(),
	}, g.cfg.TTL)
}

// Abort releases a reservation whose execution failed without side effects, so the client can retry.
func (g *Guard) Abort(ctx context.Context, r Reservation) {
	if r.Replay || r.key == "" {
		return
	}
	if err := g.store.Release(ctx, r.key, r.token); err != nil {
		g.logger.Warn("idempotency release failed", slog.String("key", r.key), slog.Any("error", err))
	}
}
