package memory

import (
	"context"
	"sync"

	"carevault/internal/identity/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// InMemoryStore keeps identities in a map guarded by a RWMutex.
type InMemoryStore struct {
	mu         sync.RWMutex
	identities map[domain.UserID]*models.Identity
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{identities: make(map[domain.UserID]*models.Identity)}
}

func (s *InMemoryStore) Create(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identity.UserID]; ok {
		return sentinel.ErrConflict
	}
	s.identities[identity.UserID] = identity.Clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.UserID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return identity.Clone(), nil
}

// Update applies fn to a copy under the write lock and stores it when fn succeeds.
func (s *InMemoryStore) Update(_ context.Context, id domain.UserID, fn func(*models.Identity) error) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.identities[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.identities[id] = next
	return next.Clone(), nil
}
