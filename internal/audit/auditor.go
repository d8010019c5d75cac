// Package audit checks ledger correctness out of band: every asset's trial balance must net to zero and
// every materialized balance must match the entry log. Findings are reported, never repaired.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pbcex/settlement/internal/events"
	"github.com/pbcex/settlement/internal/ledger"
)

var (
	// ErrDriftDetected means at least one materialized balance disagrees with the entry log.
	ErrDriftDetected = errors.New("balance drift detected")
	// ErrLedgerImbalance means at least one asset's debits and credits do not net to zero.
	ErrLedgerImbalance = ledger.ErrLedgerImbalance
)

// Source is the read side of the ledger the auditor needs.
type Source interface {
	GetTrialBalance(ctx context.Context) ([]ledger.TrialBalanceRow, error)
	Drift(ctx context.Context) ([]ledger.DriftIncident, error)
}

// Observer receives every completed report. Implemented by the metrics package.
type Observer interface {
	AuditCompleted(r Report)
}

// Report is the outcome of one audit run.
type Report struct {
	RanAt        time.Time
	Duration     time.Duration
	TrialBalance []ledger.TrialBalanceRow
	Drift        []ledger.DriftIncident
}

// Imbalanced lists the assets whose trial balance is non-zero.
func (r Report) Imbalanced() []ledger.TrialBalanceRow {
	var out []ledger.TrialBalanceRow
	for _, row := range r.TrialBalance {
		if !row.Balanced() {
			out = append(out, row)
		}
	}
	return out
}

// Healthy reports whether the run found nothing.
func (r Report) Healthy() bool {
	return len(r.Imbalanced()) == 0 && len(r.Drift) == 0
}

// Err summarises the findings as ErrLedgerImbalance and/or ErrDriftDetected, or nil.
func (r Report) Err() error {
	var errs []error
	if bad := r.Imbalanced(); len(bad) > 0 {
		errs = append(errs, fmt.Errorf("%w: %d asset(s)", ErrLedgerImbalance, len(bad)))
	}
	if len(r.Drift) > 0 {
		errs = append(errs, fmt.Errorf("%w: %d row(s)", ErrDriftDetected, len(r.Drift)))
	}
	return errors.Join(errs...)
}

// Auditor runs read-only ledger checks.
type Auditor struct {
	source    Source
	logger    *slog.Logger
	publisher events.Publisher
	observer  Observer
	now       func() time.Time
}

// Option customises an Auditor.
type Option func(*Auditor)

// WithPublisher sends findings downstream as audit_finding events.
func WithPublisher(p events.Publisher) Option { return func(a *Auditor) { a.publisher = p } }

// WithObserver registers a report observer.
func WithObserver(o Observer) Option { return func(a *Auditor) { a.observer = o } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(a *Auditor) { a.now = now } }

// NewAuditor builds an auditor over the ledger read side.
func NewAuditor(source Source, logger *slog.Logger, opts ...Option) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Auditor{
		source:    source,
		logger:    logger,
		publisher: events.Discard{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run performs one audit. The error is non-nil only when the ledger could not be read; findings are in
// the report (see Report.Err).
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	start := a.now()
	rows, err := a.source.GetTrialBalance(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("trial balance: %w", err)
	}
	drift, err := a.source.Drift(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("drift check: %w", err)
	}
	report := Report{RanAt: start, Duration: a.now().Sub(start), TrialBalance: rows, Drift: drift}

	for _, row := range report.Imbalanced() {
		a.logger.Error("ledger imbalance",
			slog.String("asset", row.Asset),
			slog.String("difference", row.Difference.String()))
	}
	for _, inc := range drift {
		a.logger.Error("balance drift",
			slog.String("account_id", inc.AccountID),
			slog.String("asset", inc.Asset),
			slog.String("materialized", inc.Materialized.String()),
			slog.String("recomputed", inc.Recomputed.String()))
	}
	if report.Healthy() {
		a.logger.Info("audit clean", slog.Int("assets", len(rows)), slog.Duration("took", report.Duration))
	} else {
		a.publishFindings(ctx, report)
	}
	if a.observer != nil {
		a.observer.AuditCompleted(report)
	}
	return report, nil
}

func (a *Auditor) publishFindings(ctx context.Context, r Report) {
	imbalanced := make(map[string]string)
	for _, row := range r.Imbalanced() {
		imbalanced[row.Asset] = row.Difference.String()
	}
	drift := make([]map[string]string, 0, len(r.Drift))
	for _, inc := range r.Drift {
		drift = append(drift, map[string]string{
			"account_id": inc.AccountID,
			"asset":      inc.Asset,
			"difference": inc.Difference().String(),
		})
	}
	err := a.publisher.Publish(ctx, events.Event{
		Kind:       events.KindAuditFinding,
		Key:        "ledger",
		OccurredAt: r.RanAt,
		Payload:    map[string]any{"imbalanced": imbalanced, "drift": drift},
	})
	if err != nil {
		a.logger.Warn("audit finding not published", slog.Any("error", err))
	}
}
