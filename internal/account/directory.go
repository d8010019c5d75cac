package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Directory resolves user accounts for the settlement core. Trades never create accounts; Provision is an
// administrative operation.
type Directory struct {
	repo  Repository
	house string
	now   func() time.Time
}

// NewDirectory builds a directory. An empty house account falls back to DefaultHouseAccount.
func NewDirectory(repo Repository, houseAccount string) *Directory {
	if strings.TrimSpace(houseAccount) == "" {
		houseAccount = DefaultHouseAccount
	}
	return &Directory{repo: repo, house: houseAccount, now: func() time.Time { return time.Now().UTC() }}
}

// Resolve returns the id of the user's account of the given type.
func (d *Directory) Resolve(ctx context.Context, userID string, typ Type) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrAccountNotFound)
	}
	if typ != Funding && typ != Trading {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	a, err := d.repo.FindByUserAndType(ctx, userID, typ)
	if err != nil {
		return "", fmt.Errorf("resolve %s account for %s: %w", typ, userID, err)
	}
	return a.ID, nil
}

// HouseAccount returns the fee-collecting account.
func (d *Directory) HouseAccount() string {
	return d.house
}

// Accounts lists the accounts owned by a user.
func (d *Directory) Accounts(ctx context.Context, userID string) ([]Account, error) {
	return d.repo.ListByUser(ctx, userID)
}

// Provision creates the funding and trading accounts for a user. Existing accounts are kept, so the call
// can be repeated safely.
func (d *Directory) Provision(ctx context.Context, userID string) ([]Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	out := make([]Account, 0, 2)
	for _, typ := range []Type{Funding, Trading} {
		existing, err := d.repo.FindByUserAndType(ctx, userID, typ)
		if err == nil {
			out = append(out, existing)
			continue
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		a := Account{
			ID:        strings.ToLower(string(typ)) + ":" + uuid.NewString(),
			UserID:    userID,
			Type:      typ,
			CreatedAt: d.now(),
		}
		if err := d.repo.Create(ctx, a); err != nil {
			if errors.Is(err, ErrAccountExists) {
				// lost a race with a concurrent provision
				if a, err = d.repo.FindByUserAndType(ctx, userID, typ); err == nil {
					out = append(out, a)
					continue
				}
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
