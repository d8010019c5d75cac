package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type inMemoryStore struct {
	mu       sync.RWMutex
	journals map[string]Journal
	byRef    map[string]string
	entries  []Entry
	balances map[balanceKey]Balance
	holds    map[string]Hold
	holdRefs map[string]string
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit tests and local development.
// A single lock serialises commits, so every commit observes the latest projection.
func NewInMemory() Store {
	return &inMemoryStore{
		journals: make(map[string]Journal),
		byRef:    make(map[string]string),
		balances: make(map[balanceKey]Balance),
		holds:    make(map[string]Hold),
		holdRefs: make(map[string]string),
	}
}

func (s *inMemoryStore) Commit(ctx context.Context, journal Journal, guards []Guard) (Journal, error) {
	if err := ctx.Err(); err != nil {
		return Journal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.byRef[journal.Reference]; exists {
		return cloneJournal(s.journals[id]), ErrDuplicateReference
	}

	next := make(map[balanceKey]Balance)
	for _, e := range journal.Entries {
		k := balanceKey{account: e.AccountID, asset: e.Asset}
		b, ok := next[k]
		if !ok {
			b = s.balanceLocked(k)
		}
		b.Amount = b.Amount.Add(e.Signed())
		b.UpdatedAt = journal.CreatedAt
		next[k] = b
	}

	for _, g := range guards {
		k := balanceKey{account: g.AccountID, asset: g.Asset}
		b, ok := next[k]
		if !ok {
			b = s.balanceLocked(k)
		}
		if b.Available().IsNegative() {
			return Journal{}, fmt.Errorf("%w: account %s %s available %s", ErrInsufficientBalance, g.AccountID, g.Asset, b.Available().String())
		}
	}

	stored := cloneJournal(journal)
	s.journals[stored.ID] = stored
	s.byRef[stored.Reference] = stored.ID
	s.entries = append(s.entries, stored.Entries...)
	for k, b := range next {
		s.balances[k] = b
	}
	return cloneJournal(stored), nil
}

func (s *inMemoryStore) JournalByID(_ context.Context, id string) (Journal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journals[id]
	if !ok {
		return Journal{}, fmt.Errorf("%w: %s", ErrJournalNotFound, id)
	}
	return cloneJournal(j), nil
}

func (s *inMemoryStore) JournalByReference(_ context.Context, reference string) (Journal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRef[reference]
	if !ok {
		return Journal{}, fmt.Errorf("%w: reference %s", ErrJournalNotFound, reference)
	}
	return cloneJournal(s.journals[id]), nil
}

func (s *inMemoryStore) Balance(_ context.Context, accountID, asset string) (Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(balanceKey{account: accountID, asset: asset}), nil
}

func (s *inMemoryStore) Balances(_ context.Context) ([]Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Balance, 0, len(s.balances))
	for _, b := range s.balances {
		out = append(out, b)
	}
	sortBalances(out)
	return out, nil
}

func (s *inMemoryStore) TrialBalance(_ context.Context) ([]TrialBalanceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make(map[string]TrialBalanceRow)
	for _, e := range s.entries {
		r := rows[e.Asset]
		r.Asset = e.Asset
		if e.Direction == Debit {
			r.Debits = r.Debits.Add(e.Amount)
		} else {
			r.Credits = r.Credits.Add(e.Amount)
		}
		rows[e.Asset] = r
	}

	out := make([]TrialBalanceRow, 0, len(rows))
	for _, r := range rows {
		r.Difference = r.Debits.Sub(r.Credits)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// Materialize replaces the projection with one rebuilt from the entry log. The replacement map is
// built aside and swapped under the write lock, so readers never observe a partial rebuild.
func (s *inMemoryStore) Materialize(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rebuilt := s.recomputeLocked()
	now := time.Now().UTC()
	for k, b := range rebuilt {
		b.UpdatedAt = now
		rebuilt[k] = b
	}
	s.balances = rebuilt
	return len(rebuilt), nil
}

func (s *inMemoryStore) Drift(_ context.Context) ([]DriftIncident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recomputed := s.recomputeLocked()
	keys := make(map[balanceKey]struct{})
	for k := range recomputed {
		keys[k] = struct{}{}
	}
	for k := range s.balances {
		keys[k] = struct{}{}
	}

	var out []DriftIncident
	for k := range keys {
		materialized := s.balances[k].Amount
		expected := recomputed[k].Amount
		if !materialized.Equal(expected) {
			out = append(out, DriftIncident{
				AccountID:    k.account,
				Asset:        k.asset,
				Materialized: materialized,
				Recomputed:   expected,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return balanceKey{out[i].AccountID, out[i].Asset}.less(balanceKey{out[j].AccountID, out[j].Asset})
	})
	return out, nil
}

func (s *inMemoryStore) PlaceHold(_ context.Context, hold Hold) (Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.holdRefs[hold.Reference]; exists {
		return s.holds[id], nil
	}

	k := balanceKey{account: hold.AccountID, asset: hold.Asset}
	b := s.balanceLocked(k)
	if b.Available().LessThan(hold.Amount) {
		return Hold{}, fmt.Errorf("%w: account %s %s available %s", ErrInsufficientBalance, hold.AccountID, hold.Asset, b.Available().String())
	}
	b.Reserved = b.Reserved.Add(hold.Amount)
	b.UpdatedAt = hold.CreatedAt
	s.balances[k] = b
	s.holds[hold.ID] = hold
	s.holdRefs[hold.Reference] = hold.ID
	return hold, nil
}

func (s *inMemoryStore) ReleaseHold(_ context.Context, id string) (Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hold, ok := s.holds[id]
	if !ok {
		return Hold{}, fmt.Errorf("%w: %s", ErrHoldNotFound, id)
	}
	if hold.Status != HoldActive {
		return hold, ErrHoldClosed
	}
	k := balanceKey{account: hold.AccountID, asset: hold.Asset}
	b := s.balanceLocked(k)
	b.Reserved = b.Reserved.Sub(hold.Amount)
	b.UpdatedAt = time.Now().UTC()
	s.balances[k] = b
	hold.Status = HoldReleased
	s.holds[id] = hold
	return hold, nil
}

func (s *inMemoryStore) balanceLocked(k balanceKey) Balance {
	if b, ok := s.balances[k]; ok {
		return b
	}
	return Balance{AccountID: k.account, Asset: k.asset, Amount: decimal.Zero, Reserved: decimal.Zero}
}

// recomputeLocked aggregates entries per (account, asset) and carries reserved amounts from active holds.
func (s *inMemoryStore) recomputeLocked() map[balanceKey]Balance {
	out := make(map[balanceKey]Balance)
	for _, e := range s.entries {
		k := balanceKey{account: e.AccountID, asset: e.Asset}
		b, ok := out[k]
		if !ok {
			b = Balance{AccountID: k.account, Asset: k.asset, Amount: decimal.Zero, Reserved: decimal.Zero}
		}
		b.Amount = b.Amount.Add(e.Signed())
		out[k] = b
	}
	for _, h := range s.holds {
		if h.Status != HoldActive {
			continue
		}
		k := balanceKey{account: h.AccountID, asset: h.Asset}
		b, ok := out[k]
		if !ok {
			b = Balance{AccountID: k.account, Asset: k.asset, Amount: decimal.Zero, Reserved: decimal.Zero}
		}
		b.Reserved = b.Reserved.Add(h.Amount)
		out[k] = b
	}
	return out
}

func cloneJournal(j Journal) Journal {
	out := j
	out.Metadata = copyMetadata(j.Metadata)
	out.Entries = append([]Entry(nil), j.Entries...)
	return out
}

func sortBalances(bs []Balance) {
	sort.Slice(bs, func(i, j int) bool {
		return balanceKey{bs[i].AccountID, bs[i].Asset}.less(balanceKey{bs[j].AccountID, bs[j].Asset})
	})
}
