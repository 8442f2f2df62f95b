// Package contenttest holds behaviour checks shared by content store backends.
package contenttest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/internal/records/models"
	"carevault/internal/records/service"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

// RunContentStoreContract exercises a fresh store from newStore per subtest.
func RunContentStoreContract(t *testing.T, newStore func(t *testing.T) service.ContentStore) {
	ctx := context.Background()

	t.Run("put returns the content address", func(t *testing.T) {
		s := newStore(t)
		blob := []byte("ciphertext-1")
		id, err := s.Put(ctx, blob)
		require.NoError(t, err)
		assert.Equal(t, models.ContentIDFor(blob), id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, blob, got)
	})

	t.Run("put is idempotent", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Put(ctx, []byte("same"))
		require.NoError(t, err)
		b, err := s.Put(ctx, []byte("same"))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("stored bytes are not aliased", func(t *testing.T) {
		s := newStore(t)
		blob := []byte("mutable")
		id, err := s.Put(ctx, blob)
		require.NoError(t, err)
		blob[0] = 'X'
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("mutable"), got)
	})

	t.Run("unknown content", func(t *testing.T) {
		s := newStore(t)
		id := models.ContentIDFor([]byte("never stored"))
		_, err := s.Get(ctx, id)
		assert.True(t, errors.Is(err, sentinel.ErrNotFound))

		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)

		assert.True(t, errors.Is(s.Pin(ctx, id), sentinel.ErrNotFound))
	})

	t.Run("exists and pin after put", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Put(ctx, []byte("pin me"))
		require.NoError(t, err)
		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, s.Pin(ctx, id))
		require.NoError(t, s.Pin(ctx, id))
	})

	t.Run("ids are parseable", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Put(ctx, []byte{0x00, 0xff})
		require.NoError(t, err)
		_, err = domain.ParseContentID(id.String())
		require.NoError(t, err)
	})
}
