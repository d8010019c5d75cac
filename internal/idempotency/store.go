package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

const (
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
)

// Record is the persisted state of one idempotency key.
type Record struct {
	Status      string          `json:"status"`
	RequestHash string          `json:"request_hash"`
	Token       string          `json:"token,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (r Record) completed() bool { return r.Status == statusCompleted }

// Store persists idempotency records with expiry.
type Store interface {
	// Reserve stores rec under key with the given lease unless the key exists. It returns the current
	// record and whether this call created it.
	Reserve(ctx context.Context, key string, rec Record, lease time.Duration) (Record, bool, error)
	// Get returns the record for key; ok is false when absent or expired.
	Get(ctx context.Context, key string) (Record, bool, error)
	// Complete stores the final record for ttl.
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release deletes key only while it still holds the in-progress record identified by token.
	Release(ctx context.Context, key, token string) error
}
