package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/pkg/platform/sentinel"
)

func TestInMemoryList(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewInMemoryList(WithClock(func() time.Time { return now }))

	revoked, err := l.IsRevoked(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, l.RevokeToken(ctx, "j1", time.Minute))
	revoked, err = l.IsRevoked(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, revoked)

	now = now.Add(2 * time.Minute)
	revoked, err = l.IsRevoked(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, revoked, "entries lapse with the token")

	assert.ErrorIs(t, l.RevokeToken(ctx, "j2", 0), sentinel.ErrInvalidState)
	assert.NoError(t, l.RevokeToken(ctx, "", time.Minute))
}
