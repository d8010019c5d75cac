package events

import (
	"context"
	"log/slog"
	"time"
)

const (
	// KindTradeSettled is emitted once per committed trade.
	KindTradeSettled = "trade_settled"
	// KindAuditFinding is emitted when the auditor finds an imbalance or drift.
	KindAuditFinding = "audit_finding"
)

// Event is a downstream notification. Key orders events of one subject within a partition.
type Event struct {
	Kind       string         `json:"kind"`
	Key        string         `json:"key"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// Publisher delivers events to downstream systems. Publishing happens after commit; a failure never undoes
// a committed journal.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerPublisher writes events to the structured logger.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish writes the event to the structured logger.
func (p *LoggerPublisher) Publish(_ context.Context, event Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("event", "kind", event.Kind, "key", event.Key, "payload", event.Payload)
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
