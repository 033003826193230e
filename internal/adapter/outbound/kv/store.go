// Package kv wraps the redis client behind the small surface the gateway and
// ops workers need: TTL'd keys, queues with optional signed envelopes, the
// rev-guarded action record store, and the float reputation oracle.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the shared redis handle. All methods are safe for concurrent use.
type Store struct {
	client redis.UniversalClient
}

// NewStore connects to the redis at url (redis://...) and pings it.
func NewStore(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client. The caller keeps ownership
// unless Close is used.
func NewStoreWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Client exposes the underlying client for adapters layered on the same
// connection.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Set writes a string value. ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get reads a string value. Missing keys return ("", false, nil).
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetNX writes the key only if absent. Returns true when this call set it.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// IncrWithExpiry increments a counter and refreshes its TTL.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// BudgetRecord adds one event to a rolling-window zset at score ts.
func (s *Store) BudgetRecord(ctx context.Context, key, member string, ts int64) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: member}).Err()
}

// BudgetCount trims events older than windowStart and returns the remainder.
func (s *Store) BudgetCount(ctx context.Context, key string, windowStart int64) (int64, error) {
	if err := s.client.ZRemRangeByScore(ctx, key,
		"-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		return 0, err
	}
	return s.client.ZCard(ctx, key).Result()
}
