package revocation

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

const revokedTokenKeyPrefix = "trl:jti:"

// RedisList shares revocation state between instances. Keys expire with the token.
type RedisList struct {
	client     *redis.Client
	checkLatMs prometheus.Histogram
}

type RedisOption func(*RedisList)

// WithRegisterer records check latency into reg.
func WithRegisterer(reg prometheus.Registerer) RedisOption {
	return func(l *RedisList) {
		l.checkLatMs = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "carevault_is_token_revoked_duration_ms",
			Help:    "Latency of token revocation checks in milliseconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
		})
	}
}

func NewRedisList(client *redis.Client, opts ...RedisOption) *RedisList {
	l := &RedisList{client: client}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisList) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	if err := ttlError(ttl); err != nil {
		return err
	}
	return l.client.Set(ctx, revokedTokenKeyPrefix+jti, "1", ttl).Err()
}

// IsRevoked returns false once the key has expired.
func (l *RedisList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if l.checkLatMs != nil {
		start := time.Now()
		defer func() {
			l.checkLatMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
		}()
	}
	if jti == "" {
		return false, nil
	}
	err := l.client.Get(ctx, revokedTokenKeyPrefix+jti).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
