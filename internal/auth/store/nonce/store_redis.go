package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"carevault/internal/auth/models"
	"carevault/pkg/domain"
	"carevault/pkg/platform/sentinel"
)

const nonceKeyPrefix = "nonce:"

// consumeScript deletes the key only when it is owned by ARGV[1]. Running as a
// script makes the compare and delete a single atomic step on the server.
var consumeScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if not owner then
  return 0
end
if owner ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisStore keeps nonces as keys whose TTL is the nonce window. Expired
// nonces disappear on their own, so Sweep is a no-op.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, n models.Nonce) error {
	ttl := time.Until(n.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("nonce already expired")
	}
	ok, err := s.client.SetNX(ctx, nonceKeyPrefix+n.Value, n.Owner.String(), ttl).Result()
	if err != nil {
		return fmt.Errorf("store nonce: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, owner domain.UserID, value string, _ time.Time) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{nonceKeyPrefix + value}, owner.String()).Int()
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
