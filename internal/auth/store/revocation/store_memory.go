// Package revocation tracks session tokens ended by logout before their expiry.
package revocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carevault/pkg/platform/sentinel"
)

// InMemoryList keeps revoked token ids until their original expiry.
type InMemoryList struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
	clock   func() time.Time
}

type InMemoryOption func(*InMemoryList)

func WithClock(clock func() time.Time) InMemoryOption {
	return func(l *InMemoryList) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func NewInMemoryList(opts ...InMemoryOption) *InMemoryList {
	l := &InMemoryList{revoked: make(map[string]time.Time), clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *InMemoryList) RevokeToken(_ context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	if err := ttlError(ttl); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	for id, exp := range l.revoked {
		if now.After(exp) {
			delete(l.revoked, id)
		}
	}
	l.revoked[jti] = now.Add(ttl)
	return nil
}

func (l *InMemoryList) IsRevoked(_ context.Context, jti string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	exp, ok := l.revoked[jti]
	if !ok {
		return false, nil
	}
	return !l.clock().After(exp), nil
}

// ttlError rejects non-positive lifetimes.
func ttlError(ttl time.Duration) error {
	if ttl > 0 {
		return nil
	}
	return fmt.Errorf("revocation ttl %s: %w", ttl, sentinel.ErrInvalidState)
}
