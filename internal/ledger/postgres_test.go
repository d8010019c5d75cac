package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/pbcex/settlement/internal/asset"
	"github.com/pbcex/settlement/internal/infra"
	"github.com/pbcex/settlement/internal/logging"
	"github.com/pbcex/settlement/migrations"
)

// newPostgresService runs against DATABASE_URL and skips without it. Account ids are unique per test so
// runs never see each other's rows.
func newPostgresService(t *testing.T) (*Service, string) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := infra.NewPostgresPool(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := infra.Migrate(ctx, pool, migrations.FS, logging.Discard()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := NewService(NewPostgresStore(pool, logging.Discard()), asset.DefaultRegistry(), logging.Discard())
	return svc, "it-" + uuid.NewString()[:8] + ":"
}

func TestPostgresConcurrentGuardedSpendsNeverOverdraw(t *testing.T) {
	svc, prefix := newPostgresService(t)
	ctx := context.Background()
	funding := prefix + "funding"
	deposit(t, svc, funding, asset.PAXG, "1")

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.PostJournal(ctx, JournalRequest{
				Reference: fmt.Sprintf("%sspend-%d", prefix, i),
				Entries:   transfer(funding, prefix+"merchant", asset.PAXG, "0.3"),
				Guards:    []Guard{{AccountID: funding, Asset: asset.PAXG}},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("spend %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("expected exactly 3 spends of 0.3 from 1.0, got %d", succeeded)
	}
	b, err := svc.Balance(ctx, funding, asset.PAXG)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Holding().Equal(d("0.1")) {
		t.Fatalf("expected 0.1 left, got %s", b.Holding())
	}
}

func TestPostgresOpposingTransfersDoNotDeadlock(t *testing.T) {
	svc, prefix := newPostgresService(t)
	ctx := context.Background()
	a, b := prefix+"a", prefix+"b"
	deposit(t, svc, a, asset.PAXG, "10")
	deposit(t, svc, b, asset.PAXG, "10")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		from, to := a, b
		if i%2 == 1 {
			from, to = b, a
		}
		wg.Add(1)
		go func(i int, from, to string) {
			defer wg.Done()
			_, err := svc.PostJournal(ctx, JournalRequest{
				Reference: fmt.Sprintf("%sswap-%d", prefix, i),
				Entries:   transfer(from, to, asset.PAXG, "1"),
				Guards:    []Guard{{AccountID: from, Asset: asset.PAXG}},
			})
			if err != nil {
				t.Errorf("transfer %d: %v", i, err)
			}
		}(i, from, to)
	}
	wg.Wait()

	for _, acct := range []string{a, b} {
		bal, err := svc.Balance(ctx, acct, asset.PAXG)
		if err != nil {
			t.Fatalf("balance %s: %v", acct, err)
		}
		if !bal.Holding().Equal(d("10")) {
			t.Fatalf("%s: expected 10 after equal opposing transfers, got %s", acct, bal.Holding())
		}
	}
}

func TestPostgresDuplicateReferenceReturnsOriginal(t *testing.T) {
	svc, prefix := newPostgresService(t)
	ctx := context.Background()
	deposit(t, svc, prefix+"a", asset.PAXG, "2")

	req := JournalRequest{Reference: prefix + "trade:r1", Entries: transfer(prefix+"a", prefix+"b", asset.PAXG, "1")}
	first, err := svc.PostJournal(ctx, req)
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	second, err := svc.PostJournal(ctx, req)
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected duplicate reference, got %v", err)
	}
	if second.ID != first.ID || len(second.Entries) != 2 {
		t.Fatalf("expected original journal %s, got %+v", first.ID, second)
	}
	b, _ := svc.Balance(ctx, prefix+"b", asset.PAXG)
	if !b.Holding().Equal(d("1")) {
		t.Fatalf("duplicate posted twice, b holds %s", b.Holding())
	}
}

func TestPostgresMaterializeAndTrialBalance(t *testing.T) {
	svc, prefix := newPostgresService(t)
	ctx := context.Background()
	deposit(t, svc, prefix+"a", asset.PAXG, "3")
	if _, err := svc.PostJournal(ctx, JournalRequest{Entries: transfer(prefix+"a", prefix+"b", asset.PAXG, "1.25")}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	before, err := svc.Balance(ctx, prefix+"a", asset.PAXG)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.MaterializeBalances(ctx); err != nil {
			t.Fatalf("materialize %d: %v", i, err)
		}
		after, err := svc.Balance(ctx, prefix+"a", asset.PAXG)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if !after.Amount.Equal(before.Amount) {
			t.Fatalf("materialize %d changed %s to %s", i, before.Amount, after.Amount)
		}
	}

	drift, err := svc.Drift(ctx)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	for _, inc := range drift {
		if strings.HasPrefix(inc.AccountID, prefix) {
			t.Fatalf("unexpected drift %+v", inc)
		}
	}
	rows, err := svc.GetTrialBalance(ctx)
	if err != nil {
		t.Fatalf("trial balance: %v", err)
	}
	for _, r := range rows {
		if !r.Balanced() {
			t.Fatalf("asset %s unbalanced by %s", r.Asset, r.Difference)
		}
	}
}
