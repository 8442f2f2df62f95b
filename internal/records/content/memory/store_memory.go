// Package memory is an in-process content store for development and tests.
package memory

import (
	"context"
	"sync"

	"carevault/internal/records/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	blobs  map[domain.ContentID][]byte
	pinned map[domain.ContentID]bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		blobs:  make(map[domain.ContentID][]byte),
		pinned: make(map[domain.ContentID]bool),
	}
}

func (s *InMemoryStore) Put(_ context.Context, blob []byte) (domain.ContentID, error) {
	id := models.ContentIDFor(blob)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		s.blobs[id] = append([]byte(nil), blob...)
	}
	return id, nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.ContentID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *InMemoryStore) Pin(_ context.Context, id domain.ContentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return sentinel.ErrNotFound
	}
	s.pinned[id] = true
	return nil
}

func (s *InMemoryStore) Exists(_ context.Context, id domain.ContentID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[id]
	return ok, nil
}

// IsPinned reports whether id has been pinned.
func (s *InMemoryStore) IsPinned(id domain.ContentID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned[id]
}
