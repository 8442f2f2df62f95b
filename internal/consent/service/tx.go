package service

import (
	"context"
	"sync"
	"time"

	dErrors "carevault/pkg/domain-errors"
)

// Mutations of one consent token are serialized. Tokens hash onto a fixed
// set of shards, so unrelated tokens rarely contend.
const numConsentShards = 128

// defaultConsentTxTimeout applies when the caller's context has no deadline.
// It covers both the wait for the shard and fn itself.
const defaultConsentTxTimeout = 5 * time.Second

// Each shard is a one-slot semaphore so a waiter can give up when its
// context ends.
type shardedConsentTx struct {
	once    sync.Once
	shards  [numConsentShards]chan struct{}
	timeout time.Duration
}

func (t *shardedConsentTx) shard(key string) chan struct{} {
	t.once.Do(func() {
		for i := range t.shards {
			t.shards[i] = make(chan struct{}, 1)
		}
	})
	return t.shards[hashConsentString(key)%numConsentShards]
}

// RunInTx runs fn while holding the shard for key.
func (t *shardedConsentTx) RunInTx(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultConsentTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sem := t.shard(key)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "transaction aborted: timed out waiting for consent lock")
	}
	defer func() { <-sem }()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(ctx)
}

// hashConsentString is FNV-1a.
func hashConsentString(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
