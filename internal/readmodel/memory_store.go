package readmodel

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[QueryKey]Entry
	byAccount map[string]map[QueryKey]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[QueryKey]Entry),
		byAccount: make(map[string]map[QueryKey]struct{}),
	}
}

func (s *MemoryStore) Load(_ context.Context, key QueryKey, now time.Time) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	e.AccessedAt = now
	s.entries[key] = e
	return e, true, nil
}

func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	for _, acc := range entry.Accounts {
		keys, ok := s.byAccount[acc]
		if !ok {
			keys = make(map[QueryKey]struct{})
			s.byAccount[acc] = keys
		}
		keys[entry.Key] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) InvalidateAccounts(_ context.Context, accounts []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, acc := range accounts {
		for key := range s.byAccount[acc] {
			e, ok := s.entries[key]
			if !ok {
				continue
			}
			delete(s.entries, key)
			removed++
			for _, other := range e.Accounts {
				delete(s.byAccount[other], key)
			}
		}
		delete(s.byAccount, acc)
	}
	return removed, nil
}

// Len reports how many entries are cached.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
