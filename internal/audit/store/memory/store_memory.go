package memory

import (
	"context"
	"sync"
	"time"

	"carevault/internal/audit"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// InMemoryStore keeps entries in append order. Reads return copies.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []*audit.Entry
	byID    map[domain.AuditEntryID]int
	nextSeq int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[domain.AuditEntryID]int), nextSeq: 1}
}

func (s *InMemoryStore) Append(_ context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[entry.EntryID]; ok {
		return sentinel.ErrConflict
	}
	entry.Seq = s.nextSeq
	s.nextSeq++
	s.byID[entry.EntryID] = len(s.entries)
	s.entries = append(s.entries, entry.Clone())
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.AuditEntryID) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.entries[idx].Clone(), nil
}

func (s *InMemoryStore) Page(_ context.Context, filter audit.Filter, offset, limit int) ([]*audit.Entry, int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var page []*audit.Entry
	filtered := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !filter.Matches(e) {
			continue
		}
		if filtered >= offset && len(page) < limit {
			page = append(page, e.Clone())
		}
		filtered++
	}
	return page, len(s.entries), filtered, nil
}

func (s *InMemoryStore) All(_ context.Context, filter audit.Filter) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Entry
	for _, e := range s.entries {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) MarkCommitted(_ context.Context, id domain.AuditEntryID, txID string, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	e := s.entries[idx]
	if e.IsImmutable {
		return sentinel.ErrInvalidState
	}
	bn := blockNumber
	e.LedgerTransactionID = txID
	e.BlockNumber = &bn
	e.IsImmutable = true
	e.Abandoned = false
	return nil
}

func (s *InMemoryStore) MarkSubmitted(_ context.Context, id domain.AuditEntryID, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	e := s.entries[idx]
	if e.IsImmutable {
		return sentinel.ErrInvalidState
	}
	e.LedgerTransactionID = txID
	return nil
}

func (s *InMemoryStore) RecordAttempt(_ context.Context, id domain.AuditEntryID, attempts int, next time.Time, abandoned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	e := s.entries[idx]
	if e.IsImmutable {
		return nil
	}
	e.SubmitAttempts = attempts
	e.NextAttemptAt = next
	e.Abandoned = abandoned
	return nil
}

func (s *InMemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Entry
	for _, e := range s.entries {
		if len(out) >= limit {
			break
		}
		if e.IsImmutable || e.Abandoned || e.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Backlog(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending, abandoned := 0, 0
	for _, e := range s.entries {
		switch {
		case e.IsImmutable:
		case e.Abandoned:
			abandoned++
		default:
			pending++
		}
	}
	return pending, abandoned, nil
}
