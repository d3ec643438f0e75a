package docstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a map-backed Store for tests and throwaway runs.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (s *MemoryStore) PutDocument(ctx context.Context, key string, meta, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = &Document{
		Key:  key,
		Meta: append([]byte(nil), meta...),
		Body: append([]byte(nil), body...),
	}
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, key string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Document{
		Key:  doc.Key,
		Meta: append([]byte(nil), doc.Meta...),
		Body: append([]byte(nil), doc.Body...),
	}, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
	return nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
