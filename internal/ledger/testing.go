package ledger

import "github.com/shopspring/decimal"

// CorruptBalance is a test helper that overwrites a projected balance without touching the entry log,
// simulating projection drift when using the in-memory store.
func CorruptBalance(s Store, accountID, asset string, amount decimal.Decimal) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		k := balanceKey{account: accountID, asset: asset}
		b := mem.balanceLocked(k)
		b.Amount = amount
		mem.balances[k] = b
	}
}

// EntryCount is a test helper returning the number of committed entries in the in-memory store.
func EntryCount(s Store) int {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.RLock()
		defer mem.mu.RUnlock()
		return len(mem.entries)
	}
	return -1
}

// JournalCount is a test helper returning the number of committed journals in the in-memory store.
func JournalCount(s Store) int {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.RLock()
		defer mem.mu.RUnlock()
		return len(mem.journals)
	}
	return -1
}
