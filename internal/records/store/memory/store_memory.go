// Package memory keeps the record catalogue in process memory.
package memory

import (
	"context"
	"sort"
	"sync"

	"carevault/internal/records/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

type key struct {
	content domain.ContentID
	patient domain.UserID
}

type InMemoryStore struct {
	mu      sync.RWMutex
	records map[key]models.Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[key]models.Record)}
}

func (s *InMemoryStore) Add(_ context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{rec.ContentID, rec.PatientID}
	if _, ok := s.records[k]; ok {
		return sentinel.ErrConflict
	}
	s.records[k] = *rec
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, contentID domain.ContentID, patientID domain.UserID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key{contentID, patientID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &rec, nil
}

func (s *InMemoryStore) ListByPatient(_ context.Context, patientID domain.UserID) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Record{}
	for k, rec := range s.records {
		if k.patient == patientID {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ContentID < out[j].ContentID
		}
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}
