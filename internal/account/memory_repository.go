package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]Account
	byOwner map[string]string
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		storage: make(map[string]Account),
		byOwner: make(map[string]string),
	}
}

func ownerKey(userID string, typ Type) string { return userID + "|" + string(typ) }

func (r *memoryRepository) Create(_ context.Context, account Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[account.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, account.ID)
	}
	if account.UserID != "" {
		k := ownerKey(account.UserID, account.Type)
		if _, exists := r.byOwner[k]; exists {
			return fmt.Errorf("%w: %s %s", ErrAccountExists, account.UserID, account.Type)
		}
		r.byOwner[k] = account.ID
	}
	r.storage[account.ID] = account
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.storage[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (r *memoryRepository) FindByUserAndType(_ context.Context, userID string, typ Type) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOwner[ownerKey(userID, typ)]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return r.storage[id], nil
}

func (r *memoryRepository) ListByUser(_ context.Context, userID string) ([]Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Account
	for _, a := range r.storage {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}
