package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "carevault/pkg/domain-errors"
)

func TestIdentityTransitions(t *testing.T) {
	now := time.Now()

	t.Run("approve only from pending", func(t *testing.T) {
		i := &Identity{Status: StatusPending, Active: true}
		require.NoError(t, i.Approve("admin", now))
		assert.True(t, i.IsUsable())
		assert.Equal(t, "admin", i.ReviewedBy.String())

		err := i.Approve("admin", now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
		err = i.Reject("admin", now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("rejected identity is not usable", func(t *testing.T) {
		i := &Identity{Status: StatusPending, Active: true}
		require.NoError(t, i.Reject("admin", now))
		assert.False(t, i.IsUsable())
	})

	t.Run("deactivation is final", func(t *testing.T) {
		i := &Identity{Status: StatusApproved, Active: true}
		require.NoError(t, i.Deactivate(now))
		assert.False(t, i.IsUsable())
		assert.True(t, dErrors.HasCode(i.Deactivate(now), dErrors.CodeConflict))
	})

	t.Run("nil is not usable", func(t *testing.T) {
		var i *Identity
		assert.False(t, i.IsUsable())
	})
}

func TestIdentityCloneIsDeep(t *testing.T) {
	i := &Identity{PublicKeys: PublicKeys{SigningKey: []byte{1, 2}, EncryptionKey: []byte{3}}}
	c := i.Clone()
	c.PublicKeys.SigningKey[0] = 9
	c.PublicKeys.EncryptionKey[0] = 9
	assert.Equal(t, byte(1), i.PublicKeys.SigningKey[0])
	assert.Equal(t, byte(3), i.PublicKeys.EncryptionKey[0])
}
