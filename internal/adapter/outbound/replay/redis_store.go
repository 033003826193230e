package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sentinel:replay:"

// RedisStore consumes nonces with SET NX EX, which is atomic server-side.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle unless Close is used.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// CheckAndSet implements Store.
func (s *RedisStore) CheckAndSet(ctx context.Context, nonce string, ttl time.Duration) (Result, error) {
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+nonce, "1", ttl).Result()
	if err != nil {
		return Result{}, fmt.Errorf("replay setnx: %w", err)
	}
	return Result{Fresh: ok, Backend: BackendRedis}, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
