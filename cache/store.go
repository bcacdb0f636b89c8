package cache

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Store is the persistence contract of one cache tier. Get returns
// ErrNotFound for missing or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ListByPriority(ctx context.Context, p Priority) ([]string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memItem
	now  func() time.Time
}

type memItem struct {
	entry     *Entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memItem), now: time.Now}
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// Get returns a copy of the entry.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	it, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.data[key]; ok && cur.expiresAt.Equal(it.expiresAt) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return it.entry.clone(), nil
}

// Set stores a copy of e. A ttl <= 0 never expires.
func (s *MemoryStore) Set(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	it := memItem{entry: e.clone()}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.data[key] = it
	s.mu.Unlock()
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// ListByPriority returns the unexpired keys stored with priority p, sorted.
func (s *MemoryStore) ListByPriority(_ context.Context, p Priority) ([]string, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, it := range s.data {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			continue
		}
		if it.entry.Priority == p {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Len returns the number of stored keys, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
