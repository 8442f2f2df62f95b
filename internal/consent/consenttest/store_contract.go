// Package consenttest holds behaviour checks shared by every consent store backend.
package consenttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/internal/consent/models"
	"carevault/internal/consent/service"
	"carevault/pkg/domain"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/sentinel"
)

// NewToken builds an active token with one read permission.
func NewToken(patient, provider domain.UserID, rt domain.ResourceType, createdAt time.Time) *models.ConsentToken {
	return &models.ConsentToken{
		TokenID:     domain.NewConsentTokenID(),
		PatientID:   patient,
		ProviderID:  provider,
		Permissions: []models.Permission{{ResourceType: rt, AccessLevel: domain.AccessRead}},
		IsActive:    true,
		CreatedAt:   createdAt.UTC().Truncate(time.Microsecond),
		Signature:   []byte("sig"),
	}
}

// RunStoreContract exercises a fresh store returned by newStore for each subtest.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) service.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create and get round trip", func(t *testing.T) {
		s := newStore(t)
		exp := base.Add(24 * time.Hour)
		tok := NewToken("p1", "doc1", "lab_result", base)
		tok.ExpirationTime = &exp
		tok.Permissions = append(tok.Permissions, models.Permission{
			ResourceType: "imaging",
			AccessLevel:  domain.AccessWrite,
			Conditions:   map[string]string{"purpose": "treatment"},
		})
		require.NoError(t, s.Create(ctx, tok))

		got, err := s.Get(ctx, tok.TokenID)
		require.NoError(t, err)
		assert.Equal(t, tok.PatientID, got.PatientID)
		assert.Equal(t, tok.Permissions, got.Permissions)
		require.NotNil(t, got.ExpirationTime)
		assert.True(t, exp.Equal(*got.ExpirationTime))
		assert.True(t, tok.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, got.IsActive)
		assert.Nil(t, got.RevokedAt)
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("p1", "doc1", "lab_result", base)
		require.NoError(t, s.Create(ctx, tok))
		assert.ErrorIs(t, s.Create(ctx, tok), sentinel.ErrConflict)
	})

	t.Run("unknown id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, domain.NewConsentTokenID())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		_, err = s.Update(ctx, domain.NewConsentTokenID(), func(*models.ConsentToken) error { return nil })
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("update persists revocation once", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("p1", "doc1", "lab_result", base)
		require.NoError(t, s.Create(ctx, tok))

		at := base.Add(time.Hour)
		updated, err := s.Update(ctx, tok.TokenID, func(t *models.ConsentToken) error { return t.Revoke(at) })
		require.NoError(t, err)
		assert.False(t, updated.IsActive)

		_, err = s.Update(ctx, tok.TokenID, func(t *models.ConsentToken) error { return t.Revoke(at.Add(time.Hour)) })
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyRevoked))

		got, err := s.Get(ctx, tok.TokenID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, at.Equal(*got.RevokedAt))
	})

	t.Run("failed update leaves token unchanged", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("p1", "doc1", "lab_result", base)
		require.NoError(t, s.Create(ctx, tok))

		boom := errors.New("boom")
		_, err := s.Update(ctx, tok.TokenID, func(t *models.ConsentToken) error {
			t.IsActive = false
			return boom
		})
		assert.ErrorIs(t, err, boom)
		got, err := s.Get(ctx, tok.TokenID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
	})

	t.Run("lists are newest first", func(t *testing.T) {
		s := newStore(t)
		a := NewToken("p1", "doc1", "lab_result", base)
		b := NewToken("p1", "doc2", "lab_result", base.Add(time.Minute))
		c := NewToken("p1", "doc1", "imaging", base.Add(2*time.Minute))
		d := NewToken("p2", "doc1", "imaging", base.Add(3*time.Minute))
		for _, tok := range []*models.ConsentToken{a, b, c, d} {
			require.NoError(t, s.Create(ctx, tok))
		}

		ids := func(list []*models.ConsentToken) []domain.ConsentTokenID {
			out := make([]domain.ConsentTokenID, len(list))
			for i, tok := range list {
				out[i] = tok.TokenID
			}
			return out
		}

		byPatient, err := s.ListByPatient(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, []domain.ConsentTokenID{c.TokenID, b.TokenID, a.TokenID}, ids(byPatient))

		byProvider, err := s.ListByProvider(ctx, "doc1")
		require.NoError(t, err)
		assert.Equal(t, []domain.ConsentTokenID{d.TokenID, c.TokenID, a.TokenID}, ids(byProvider))

		pair, err := s.ListByPair(ctx, "p1", "doc1")
		require.NoError(t, err)
		assert.Equal(t, []domain.ConsentTokenID{c.TokenID, a.TokenID}, ids(pair))

		none, err := s.ListByPatient(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
