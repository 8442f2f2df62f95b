package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/internal/audit"
	"carevault/pkg/platform/sentinel"
)

func TestLedgerSubmitAssignsBlocks(t *testing.T) {
	ctx := context.Background()
	l := New()

	a, err := l.Submit(ctx, audit.Submission{EntryID: "a", Payload: []byte("one")})
	require.NoError(t, err)
	b, err := l.Submit(ctx, audit.Submission{EntryID: "b", Payload: []byte("two")})
	require.NoError(t, err)

	require.NotNil(t, a.BlockNumber)
	assert.Equal(t, uint64(1), *a.BlockNumber)
	assert.Equal(t, uint64(2), *b.BlockNumber)

	rec, err := l.Query(ctx, audit.Criteria{TransactionID: b.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, "b", rec.EntryID)
	assert.Equal(t, []byte("two"), rec.Payload)

	_, err = l.Query(ctx, audit.Criteria{TransactionID: "missing"})
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestLedgerDeferredCommit(t *testing.T) {
	ctx := context.Background()
	l := New(WithDeferredCommit())

	r, err := l.Submit(ctx, audit.Submission{EntryID: "a", Payload: []byte("one")})
	require.NoError(t, err)
	assert.Nil(t, r.BlockNumber)

	l.Seal()
	rec, err := l.Query(ctx, audit.Criteria{TransactionID: r.TransactionID})
	require.NoError(t, err)
	require.NotNil(t, rec.BlockNumber)
}

func TestLedgerUnavailable(t *testing.T) {
	ctx := context.Background()
	l := New()
	l.SetAvailable(false)

	_, err := l.Submit(ctx, audit.Submission{EntryID: "a"})
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Zero(t, l.Len())
}

func TestLedgerLatencyHonoursContext(t *testing.T) {
	l := New(WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := l.Submit(ctx, audit.Submission{EntryID: "a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
