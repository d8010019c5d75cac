package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns a process-local store for tests and development. Records do not survive a
// restart.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *memoryStore) liveLocked(key string) (Record, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Record{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return Record{}, false
	}
	return e.rec, true
}

func (s *memoryStore) Reserve(_ context.Context, key string, rec Record, lease time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.liveLocked(key); ok {
		return existing, false, nil
	}
	s.entries[key] = memoryEntry{rec: rec, expiresAt: s.now().Add(lease)}
	return rec, true, nil
}

func (s *memoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(key)
	return rec, ok, nil
}

func (s *memoryStore) Complete(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{rec: rec, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *memoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.liveLocked(key); ok && !rec.completed() && rec.Token == token {
		delete(s.entries, key)
	}
	return nil
}
