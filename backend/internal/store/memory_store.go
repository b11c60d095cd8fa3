package store

import (
	"context"
	"fmt"
	"sync"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/delta"
)

// MemoryStore 没配 MySQL 时使用，进程退出即丢失
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]delta.Delta
	created map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]delta.Delta), created: make(map[string]bool)}
}

func (s *MemoryStore) Load(ctx context.Context, docID string) (delta.Delta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", docID, collab.ErrNotFound)
	}
	return append(delta.Delta(nil), d...), nil
}

func (s *MemoryStore) Overwrite(ctx context.Context, docID string, content delta.Delta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docID] = append(delta.Delta(nil), content...)
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, docID string, ownerID uint64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; ok || s.created[docID] {
		return fmt.Errorf("%w: %s", ErrDocumentExists, docID)
	}
	s.created[docID] = true
	return nil
}
