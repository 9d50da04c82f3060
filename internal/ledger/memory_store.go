package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-memory ledger store used when no database is
// configured, and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*Entry
	nextID  int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Append stores a copy of the entry and assigns its ID.
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	cp.ID = s.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.nextID++
	s.entries = append(s.entries, &cp)
	e.ID = cp.ID
	return nil
}

// ListByPayer returns entries for a payer, newest first.
func (s *MemoryStore) ListByPayer(_ context.Context, payer string, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	out := make([]*Entry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if strings.EqualFold(s.entries[i].Payer, payer) {
			cp := *s.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
