package account

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pbcex/settlement/internal/asset"
)

func TestDirectoryProvisionAndResolve(t *testing.T) {
	dir := NewDirectory(NewMemoryRepository(), "")
	ctx := context.Background()

	accounts, err := dir.Provision(ctx, "user-1")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected funding and trading accounts, got %d", len(accounts))
	}

	funding, err := dir.Resolve(ctx, "user-1", Funding)
	if err != nil {
		t.Fatalf("resolve funding: %v", err)
	}
	trading, err := dir.Resolve(ctx, "user-1", Trading)
	if err != nil {
		t.Fatalf("resolve trading: %v", err)
	}
	if funding == trading {
		t.Fatalf("funding and trading must be distinct accounts")
	}

	again, err := dir.Provision(ctx, "user-1")
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if again[0].ID != accounts[0].ID || again[1].ID != accounts[1].ID {
		t.Fatalf("provision is not repeatable: %+v vs %+v", again, accounts)
	}
	if dir.HouseAccount() != DefaultHouseAccount {
		t.Fatalf("unexpected house account %s", dir.HouseAccount())
	}
}

func TestDirectoryResolveErrors(t *testing.T) {
	dir := NewDirectory(NewMemoryRepository(), "house:custom")
	ctx := context.Background()

	if _, err := dir.Resolve(ctx, "ghost", Funding); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := dir.Resolve(ctx, "user-1", System); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected invalid type, got %v", err)
	}
	if _, err := ParseType("SAVINGS"); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected invalid type, got %v", err)
	}
	if dir.HouseAccount() != "house:custom" {
		t.Fatalf("house account override ignored")
	}
}

func TestDirectoryConcurrentProvision(t *testing.T) {
	dir := NewDirectory(NewMemoryRepository(), "")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dir.Provision(ctx, "user-9"); err != nil {
				t.Errorf("provision: %v", err)
			}
		}()
	}
	wg.Wait()

	accounts, _ := dir.Accounts(ctx, "user-9")
	if len(accounts) != 2 {
		t.Fatalf("expected exactly two accounts, got %d", len(accounts))
	}
}

func TestTypeForAssetKind(t *testing.T) {
	if TypeFor(asset.KindSynthetic) != Trading || TypeFor(asset.KindReal) != Funding {
		t.Fatalf("unexpected account type mapping")
	}
	if ReserveAccount(asset.PAXG) != "reserve:PAXG" || IssuanceAccount(asset.XAUS) != "issuance:XAU-s" {
		t.Fatalf("unexpected system account names")
	}
}
