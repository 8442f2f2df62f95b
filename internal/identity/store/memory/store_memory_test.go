package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/internal/identity/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

func pending(id domain.UserID) *models.Identity {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.Identity{
		UserID:     id,
		Role:       domain.RoleDoctor,
		PublicKeys: models.PublicKeys{SigningKey: []byte("0123456789abcdef0123456789abcdef")},
		Status:     models.StatusPending,
		Active:     true,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, pending("doctor-1")))
		got, err := store.Get(ctx, "doctor-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		assert.ErrorIs(t, store.Create(ctx, pending("doctor-1")), sentinel.ErrConflict)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.Get(ctx, "nobody")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		_, err = store.Update(ctx, "nobody", func(*models.Identity) error { return nil })
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("returned copies are detached", func(t *testing.T) {
		got, err := store.Get(ctx, "doctor-1")
		require.NoError(t, err)
		got.PublicKeys.SigningKey[0] = 'X'
		got.Active = false

		again, err := store.Get(ctx, "doctor-1")
		require.NoError(t, err)
		assert.True(t, again.Active)
		assert.Equal(t, byte('0'), again.PublicKeys.SigningKey[0])
	})

	t.Run("failed update leaves the stored value", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := store.Update(ctx, "doctor-1", func(i *models.Identity) error {
			i.Status = models.StatusApproved
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, "doctor-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, got.Status)
	})

	t.Run("update applies", func(t *testing.T) {
		updated, err := store.Update(ctx, "doctor-1", func(i *models.Identity) error {
			return i.Approve("admin-1", time.Now())
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, updated.Status)
		assert.Equal(t, domain.UserID("admin-1"), updated.ReviewedBy)
	})
}
