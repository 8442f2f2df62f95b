// Package catalogtest holds behaviour checks shared by record catalogue backends.
package catalogtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/internal/records/models"
	"carevault/internal/records/service"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// NewRecord builds a catalogue entry for blob.
func NewRecord(patient domain.UserID, blob string, at time.Time) *models.Record {
	return &models.Record{
		ContentID:    models.ContentIDFor([]byte(blob)),
		PatientID:    patient,
		ResourceType: "lab_result",
		ContentType:  "application/pdf",
		Size:         int64(len(blob)),
		UploadedBy:   "doc1",
		UploadedAt:   at.UTC().Truncate(time.Microsecond),
	}
}

// RunCatalogueContract exercises a fresh catalogue from newStore per subtest.
func RunCatalogueContract(t *testing.T, newStore func(t *testing.T) service.Catalogue) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("add and get", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("p1", "a", base)
		require.NoError(t, s.Add(ctx, rec))
		got, err := s.Get(ctx, rec.ContentID, "p1")
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("lookup is scoped to the patient", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("p1", "a", base)
		require.NoError(t, s.Add(ctx, rec))
		_, err := s.Get(ctx, rec.ContentID, "p2")
		assert.True(t, errors.Is(err, sentinel.ErrNotFound))
	})

	t.Run("duplicate add conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Add(ctx, NewRecord("p1", "a", base)))
		err := s.Add(ctx, NewRecord("p1", "a", base.Add(time.Minute)))
		assert.True(t, errors.Is(err, sentinel.ErrConflict))
	})

	t.Run("same blob for two patients", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Add(ctx, NewRecord("p1", "a", base)))
		require.NoError(t, s.Add(ctx, NewRecord("p2", "a", base)))
	})

	t.Run("list newest first", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Add(ctx, NewRecord("p1", "old", base)))
		require.NoError(t, s.Add(ctx, NewRecord("p1", "new", base.Add(time.Hour))))
		require.NoError(t, s.Add(ctx, NewRecord("p2", "other", base)))

		recs, err := s.ListByPatient(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, models.ContentIDFor([]byte("new")), recs[0].ContentID)

		none, err := s.ListByPatient(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
