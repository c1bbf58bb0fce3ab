package spec

import (
	"context"
	"sync"
)

// MemoryStore keeps specifications in process memory. Used for dev mode and
// tests; production reads go through the postgres store.
type MemoryStore struct {
	mu    sync.RWMutex
	specs map[string]Specification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{specs: make(map[string]Specification)}
}

func (s *MemoryStore) Put(sp Specification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[sp.ID] = sp
}

func (s *MemoryStore) GetSpecification(_ context.Context, id, ownerID string) (Specification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.specs[id]
	if !ok {
		return Specification{}, ErrNotFound
	}
	if ownerID != "" && sp.OwnerID != ownerID {
		return Specification{}, ErrNotFound
	}
	return sp, nil
}
