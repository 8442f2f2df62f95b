// Package audittest holds behaviour checks shared by every audit.Store backend.
package audittest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/internal/audit"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// NewEntry builds an unsigned entry with a fixed microsecond timestamp.
func NewEntry(user domain.UserID, event audit.EventType, at time.Time) *audit.Entry {
	return &audit.Entry{
		EntryID:       domain.NewAuditEntryID(),
		EventType:     event,
		UserID:        user,
		ResourceID:    "res-" + string(user),
		Timestamp:     at.UTC().Truncate(time.Microsecond),
		Details:       map[string]string{audit.DetailOutcome: audit.OutcomeSuccess},
		Signature:     []byte("sig"),
		NextAttemptAt: at.UTC().Truncate(time.Microsecond),
	}
}

// RunStoreContract exercises a fresh store returned by newStore for each subtest.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) audit.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("append assigns increasing seq", func(t *testing.T) {
		s := newStore(t)
		a := NewEntry("u1", audit.EventLoginAttempt, base)
		b := NewEntry("u1", audit.EventLoginAttempt, base.Add(time.Second))
		require.NoError(t, s.Append(ctx, a))
		require.NoError(t, s.Append(ctx, b))
		assert.Greater(t, b.Seq, a.Seq)

		got, err := s.Get(ctx, a.EntryID)
		require.NoError(t, err)
		assert.Equal(t, a.Timestamp, got.Timestamp.UTC())
		assert.Equal(t, a.Details, got.Details)
		assert.False(t, got.IsImmutable)
	})

	t.Run("duplicate entry id conflicts", func(t *testing.T) {
		s := newStore(t)
		a := NewEntry("u1", audit.EventLoginAttempt, base)
		require.NoError(t, s.Append(ctx, a))
		dup := *a
		assert.ErrorIs(t, s.Append(ctx, &dup), sentinel.ErrConflict)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, domain.NewAuditEntryID())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("page is newest first with counts", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 7; i++ {
			user := domain.UserID(fmt.Sprintf("u%d", i%2))
			require.NoError(t, s.Append(ctx, NewEntry(user, audit.EventRecordAccessed, base.Add(time.Duration(i)*time.Minute))))
		}
		page, total, filtered, err := s.Page(ctx, audit.Filter{UserID: "u0"}, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 7, total)
		assert.Equal(t, 4, filtered)
		require.Len(t, page, 2)
		assert.True(t, page[0].Timestamp.After(page[1].Timestamp))
		assert.Equal(t, base.Add(4*time.Minute), page[0].Timestamp.UTC())

		from := base.Add(2 * time.Minute)
		to := base.Add(4 * time.Minute)
		all, err := s.All(ctx, audit.Filter{From: &from, To: &to})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Less(t, all[0].Seq, all[2].Seq)
	})

	t.Run("commit is one-way", func(t *testing.T) {
		s := newStore(t)
		e := NewEntry("u1", audit.EventConsentGranted, base)
		require.NoError(t, s.Append(ctx, e))
		require.NoError(t, s.MarkSubmitted(ctx, e.EntryID, "tx-1"))
		require.NoError(t, s.MarkCommitted(ctx, e.EntryID, "tx-1", 42))

		got, err := s.Get(ctx, e.EntryID)
		require.NoError(t, err)
		assert.True(t, got.IsImmutable)
		require.NotNil(t, got.BlockNumber)
		assert.Equal(t, uint64(42), *got.BlockNumber)

		assert.ErrorIs(t, s.MarkCommitted(ctx, e.EntryID, "tx-2", 43), sentinel.ErrInvalidState)
		assert.ErrorIs(t, s.MarkSubmitted(ctx, e.EntryID, "tx-2"), sentinel.ErrInvalidState)
		assert.ErrorIs(t, s.MarkCommitted(ctx, domain.NewAuditEntryID(), "tx", 1), sentinel.ErrNotFound)
	})

	t.Run("due and backlog track delivery state", func(t *testing.T) {
		s := newStore(t)
		ready := NewEntry("u1", audit.EventLoginAttempt, base)
		later := NewEntry("u1", audit.EventLoginAttempt, base)
		later.NextAttemptAt = base.Add(time.Hour)
		gone := NewEntry("u1", audit.EventLoginAttempt, base)
		done := NewEntry("u1", audit.EventLoginAttempt, base)
		for _, e := range []*audit.Entry{ready, later, gone, done} {
			require.NoError(t, s.Append(ctx, e))
		}
		require.NoError(t, s.RecordAttempt(ctx, gone.EntryID, 20, base, true))
		require.NoError(t, s.MarkCommitted(ctx, done.EntryID, "tx", 1))

		due, err := s.Due(ctx, base.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, ready.EntryID, due[0].EntryID)

		pending, abandoned, err := s.Backlog(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, pending)
		assert.Equal(t, 1, abandoned)
	})
}
