// Package nonce stores pending authentication nonces.
package nonce

import (
	"context"
	"sync"
	"time"

	"carevault/internal/auth/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// InMemoryStore holds pending nonces. Consume is a check-and-delete under one lock.
type InMemoryStore struct {
	mu     sync.Mutex
	nonces map[string]models.Nonce
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{nonces: make(map[string]models.Nonce)}
}

func (s *InMemoryStore) Put(_ context.Context, n models.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nonces[n.Value]; ok {
		return sentinel.ErrConflict
	}
	s.nonces[n.Value] = n
	return nil
}

// Consume removes the nonce iff it exists, belongs to owner and has not expired.
// Otherwise nothing changes.
func (s *InMemoryStore) Consume(_ context.Context, owner domain.UserID, value string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[value]
	if !ok || !n.ValidFor(owner, now) {
		return false, nil
	}
	delete(s.nonces, value)
	return true, nil
}

// Sweep discards expired nonces and returns how many were removed.
func (s *InMemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for v, n := range s.nonces {
		if now.After(n.ExpiresAt) {
			delete(s.nonces, v)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of pending nonces.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}
