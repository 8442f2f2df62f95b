// Package memory keeps consent tokens in process memory.
package memory

import (
	"context"
	"sync"

	"carevault/internal/consent/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// InMemoryStore returns copies so readers always see a whole token.
type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[domain.ConsentTokenID]*models.ConsentToken
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tokens: make(map[domain.ConsentTokenID]*models.ConsentToken)}
}

func (s *InMemoryStore) Create(_ context.Context, t *models.ConsentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.TokenID]; ok {
		return sentinel.ErrConflict
	}
	s.tokens[t.TokenID] = t.Clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.ConsentTokenID) (*models.ConsentToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return t.Clone(), nil
}

// Update applies fn to a copy and keeps it only when fn succeeds.
func (s *InMemoryStore) Update(_ context.Context, id domain.ConsentTokenID, fn func(*models.ConsentToken) error) (*models.ConsentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tokens[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.tokens[id] = next
	return next.Clone(), nil
}

func (s *InMemoryStore) ListByPatient(_ context.Context, patientID domain.UserID) ([]*models.ConsentToken, error) {
	return s.list(func(t *models.ConsentToken) bool { return t.PatientID == patientID }), nil
}

func (s *InMemoryStore) ListByProvider(_ context.Context, providerID domain.UserID) ([]*models.ConsentToken, error) {
	return s.list(func(t *models.ConsentToken) bool { return t.ProviderID == providerID }), nil
}

func (s *InMemoryStore) ListByPair(_ context.Context, patientID, providerID domain.UserID) ([]*models.ConsentToken, error) {
	return s.list(func(t *models.ConsentToken) bool {
		return t.PatientID == patientID && t.ProviderID == providerID
	}), nil
}

func (s *InMemoryStore) list(keep func(*models.ConsentToken) bool) []*models.ConsentToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ConsentToken, 0)
	for _, t := range s.tokens {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	models.NewestFirst(out)
	return out
}
