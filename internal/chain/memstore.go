package chain

import (
	"sync"

	"github.com/djkazic/retargetd/internal/types"
)

// MemoryStore is a HeaderStore held entirely in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	byHash   map[[32]byte]*types.IndexedHeader
	byHeight []*types.IndexedHeader
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash: make(map[[32]byte]*types.IndexedHeader),
	}
}

func (s *MemoryStore) Add(h *types.IndexedHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[h.Hash()]; ok {
		return ErrDuplicateHeader
	}
	if err := checkExtends(s.tipLocked(), h); err != nil {
		return err
	}
	s.byHash[h.Hash()] = h
	s.byHeight = append(s.byHeight, h)
	return nil
}

func (s *MemoryStore) Get(hash [32]byte) (*types.IndexedHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byHash[hash]
	return h, ok
}

func (s *MemoryStore) Has(hash [32]byte) bool {
	_, ok := s.Get(hash)
	return ok
}

func (s *MemoryStore) HeaderAt(height int64) (*types.IndexedHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if height < 0 || height >= int64(len(s.byHeight)) {
		return nil, false
	}
	return s.byHeight[height], true
}

func (s *MemoryStore) Tip() (*types.IndexedHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tip := s.tipLocked()
	return tip, tip != nil
}

func (s *MemoryStore) tipLocked() *types.IndexedHeader {
	if len(s.byHeight) == 0 {
		return nil
	}
	return s.byHeight[len(s.byHeight)-1]
}

func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byHeight)
}

func (s *MemoryStore) GetAncestors(hash [32]byte, n int) []*types.IndexedHeader {
	start, ok := s.Get(hash)
	if !ok {
		return nil
	}
	return ancestorsFrom(start, n, s.HeaderAt)
}

func (s *MemoryStore) Close() error { return nil }
