package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "carevault/pkg/domain-errors"
)

func TestShardedTxSerializesSameKey(t *testing.T) {
	tx := &shardedConsentTx{}
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tx.RunInTx(context.Background(), "token-1", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestShardedTxCancelled(t *testing.T) {
	tx := &shardedConsentTx{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := tx.RunInTx(ctx, "token-1", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	assert.False(t, called)
}

func TestShardedTxWaitGivesUpWhenContextEnds(t *testing.T) {
	tx := &shardedConsentTx{}
	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- tx.RunInTx(context.Background(), "token-1", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	start := time.Now()
	err := tx.RunInTx(ctx, "token-1", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	assert.False(t, called)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	require.NoError(t, <-done)

	// the shard is usable again once the holder finishes
	require.NoError(t, tx.RunInTx(context.Background(), "token-1", func(context.Context) error { return nil }))
}

func TestShardedTxAppliesDefaultDeadline(t *testing.T) {
	tx := &shardedConsentTx{timeout: time.Minute}
	err := tx.RunInTx(context.Background(), "k", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestHashConsentStringSpreads(t *testing.T) {
	seen := map[uint32]bool{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		seen[hashConsentString(k)%numConsentShards] = true
	}
	assert.Greater(t, len(seen), 4)
}
