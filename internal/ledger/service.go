package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pbcex/settlement/internal/asset"
)

// Observer receives notifications about committed journals. Implemented by the metrics package.
type Observer interface {
	JournalPosted(assets []string)
}

// Service validates journals before handing them to the store and exposes the read models.
type Service struct {
	store    Store
	assets   *asset.Registry
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the journal timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithObserver registers a commit observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// NewService builds a ledger service. A nil registry disables asset and precision checks.
func NewService(store Store, assets *asset.Registry, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		assets: assets,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PostJournal validates the request and commits it as one atomic journal. On ErrDuplicateReference the
// previously committed journal is returned together with the error.
func (s *Service) PostJournal(ctx context.Context, req JournalRequest) (Journal, error) {
	if err := s.validate(req); err != nil {
		return Journal{}, err
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "journal:" + uuid.NewString()
	}

	now := s.now()
	journal := Journal{
		ID:          uuid.NewString(),
		Reference:   reference,
		Description: req.Description,
		UserID:      req.UserID,
		Metadata:    copyMetadata(req.Metadata),
		CreatedAt:   now,
		Entries:     make([]Entry, 0, len(req.Entries)),
	}
	for _, p := range req.Entries {
		journal.Entries = append(journal.Entries, Entry{
			ID:        uuid.NewString(),
			JournalID: journal.ID,
			AccountID: strings.TrimSpace(p.AccountID),
			Asset:     p.Asset,
			Direction: p.Direction,
			Amount:    p.Amount,
			CreatedAt: now,
		})
	}

	committed, err := s.store.Commit(ctx, journal, req.Guards)
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			s.logger.Info("journal reference already committed",
				slog.String("reference", reference), slog.String("journal_id", committed.ID))
			return committed, err
		}
		return Journal{}, err
	}

	if s.observer != nil {
		s.observer.JournalPosted(journalAssets(committed))
	}
	s.logger.Debug("journal posted",
		slog.String("journal_id", committed.ID),
		slog.String("reference", committed.Reference),
		slog.Int("entries", len(committed.Entries)))
	return committed, nil
}

// ReversalReference is the reference of the journal reversing journalID.
func ReversalReference(journalID string) string { return "reversal:" + journalID }

// Reverse posts a new journal that undoes every leg of an existing one. Posted entries are never
// mutated; the correction is itself an ordinary balanced journal.
func (s *Service) Reverse(ctx context.Context, journalID, reason string) (Journal, error) {
	original, err := s.store.JournalByID(ctx, journalID)
	if err != nil {
		return Journal{}, err
	}
	postings := make([]Posting, 0, len(original.Entries))
	for _, e := range original.Entries {
		postings = append(postings, Posting{
			AccountID: e.AccountID,
			Asset:     e.Asset,
			Direction: e.Direction.Opposite(),
			Amount:    e.Amount,
		})
	}
	return s.PostJournal(ctx, JournalRequest{
		Reference:   ReversalReference(original.ID),
		Description: reason,
		UserID:      original.UserID,
		Metadata:    map[string]string{"reverses": original.ID, "reason": reason},
		Entries:     postings,
	})
}

// GetTrialBalance returns per-asset totals. A non-zero difference is a correctness violation and is
// logged at error level; it is never corrected here.
func (s *Service) GetTrialBalance(ctx context.Context) ([]TrialBalanceRow, error) {
	rows, err := s.store.TrialBalance(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if !r.Balanced() {
			s.logger.Error("trial balance violated",
				slog.String("asset", r.Asset),
				slog.String("debits", r.Debits.String()),
				slog.String("credits", r.Credits.String()),
				slog.String("difference", r.Difference.String()))
		}
	}
	return rows, nil
}

// MaterializeBalances rebuilds the balance projection from the entry log.
func (s *Service) MaterializeBalances(ctx context.Context) (int, error) {
	n, err := s.store.Materialize(ctx)
	if err != nil {
		return 0, fmt.Errorf("materialize balances: %w", err)
	}
	s.logger.Info("balances materialized", slog.Int("rows", n))
	return n, nil
}

// Balance returns the projected balance of an (account, asset); unknown pairs are zero.
func (s *Service) Balance(ctx context.Context, accountID, assetSymbol string) (Balance, error) {
	return s.store.Balance(ctx, accountID, assetSymbol)
}

// Drift lists projection rows that disagree with the entry log.
func (s *Service) Drift(ctx context.Context) ([]DriftIncident, error) {
	return s.store.Drift(ctx)
}

// Journal fetches a journal with its entries.
func (s *Service) Journal(ctx context.Context, id string) (Journal, error) {
	return s.store.JournalByID(ctx, id)
}

// Entries lists the posting lines of one journal.
func (s *Service) Entries(ctx context.Context, journalID string) ([]Entry, error) {
	j, err := s.store.JournalByID(ctx, journalID)
	if err != nil {
		return nil, err
	}
	return j.Entries, nil
}

// JournalByReference fetches a journal by its unique reference.
func (s *Service) JournalByReference(ctx context.Context, reference string) (Journal, error) {
	return s.store.JournalByReference(ctx, reference)
}

// PlaceHold reserves amount of an account's holding. Reusing a reference returns the existing hold.
func (s *Service) PlaceHold(ctx context.Context, accountID, assetSymbol, reference string, amount decimal.Decimal) (Hold, error) {
	if !amount.IsPositive() {
		return Hold{}, fmt.Errorf("%w: hold amount must be positive", ErrInvalidEntry)
	}
	if strings.TrimSpace(accountID) == "" || strings.TrimSpace(reference) == "" {
		return Hold{}, fmt.Errorf("%w: hold requires account and reference", ErrInvalidEntry)
	}
	if err := s.checkAsset(assetSymbol, amount); err != nil {
		return Hold{}, err
	}
	return s.store.PlaceHold(ctx, Hold{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Asset:     assetSymbol,
		Amount:    amount,
		Reference: reference,
		Status:    HoldActive,
		CreatedAt: s.now(),
	})
}

// ReleaseHold returns a hold's amount to the available balance.
func (s *Service) ReleaseHold(ctx context.Context, id string) (Hold, error) {
	return s.store.ReleaseHold(ctx, id)
}

func (s *Service) validate(req JournalRequest) error {
	if len(req.Entries) < 2 {
		return fmt.Errorf("%w: a journal needs at least two entries, got %d", ErrInvalidEntry, len(req.Entries))
	}

	debits := make(map[string]decimal.Decimal)
	credits := make(map[string]decimal.Decimal)
	for i, p := range req.Entries {
		if strings.TrimSpace(p.AccountID) == "" {
			return fmt.Errorf("%w: entry %d has no account", ErrInvalidEntry, i)
		}
		if !p.Direction.valid() {
			return fmt.Errorf("%w: entry %d has direction %q", ErrInvalidEntry, i, p.Direction)
		}
		if !p.Amount.IsPositive() {
			return fmt.Errorf("%w: entry %d amount %s must be positive", ErrInvalidEntry, i, p.Amount.String())
		}
		if err := s.checkAsset(p.Asset, p.Amount); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if p.Direction == Debit {
			debits[p.Asset] = debits[p.Asset].Add(p.Amount)
		} else {
			credits[p.Asset] = credits[p.Asset].Add(p.Amount)
		}
	}

	seen := make(map[string]struct{})
	for a := range debits {
		seen[a] = struct{}{}
	}
	for a := range credits {
		seen[a] = struct{}{}
	}
	symbols := make([]string, 0, len(seen))
	for a := range seen {
		symbols = append(symbols, a)
	}
	sort.Strings(symbols)
	for _, a := range symbols {
		if !debits[a].Equal(credits[a]) {
			return fmt.Errorf("%w: %s debits %s != credits %s", ErrLedgerImbalance, a, debits[a].String(), credits[a].String())
		}
	}
	return nil
}

func (s *Service) checkAsset(symbol string, amount decimal.Decimal) error {
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("%w: asset is required", ErrInvalidEntry)
	}
	if s.assets == nil {
		return nil
	}
	a, err := s.assets.Lookup(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := a.Validate(amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func journalAssets(j Journal) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range j.Entries {
		if _, ok := seen[e.Asset]; ok {
			continue
		}
		seen[e.Asset] = struct{}{}
		out = append(out, e.Asset)
	}
	sort.Strings(out)
	return out
}
