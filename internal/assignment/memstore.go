package assignment

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/officeflow/model"
)

// MemoryStore is an in-memory Store. Entries expire after the TTL given at
// construction; zero keeps them forever.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	mem       model.AssignmentMemory
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Load returns the memory stored under key.
func (s *MemoryStore) Load(_ context.Context, key string) (model.AssignmentMemory, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return model.EmptyAssignmentMemory(), false, nil
	}
	if s.expired(e) {
		s.evict(key)
		return model.EmptyAssignmentMemory(), false, nil
	}
	return e.mem.Clone(), true, nil
}

func (s *MemoryStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}

// evict removes key if it is still expired under the write lock; a Save
// that landed after the read keeps its entry.
func (s *MemoryStore) evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && s.expired(e) {
		delete(s.entries, key)
	}
}

// Save replaces the memory stored under key.
func (s *MemoryStore) Save(_ context.Context, key string, mem model.AssignmentMemory) error {
	e := memEntry{mem: mem.Clone()}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
