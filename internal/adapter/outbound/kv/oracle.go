package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sentinelSCA/sentinel/internal/domain/policy"
	"github.com/sentinelSCA/sentinel/internal/domain/reputation"
)

// Oracle key layout. The repmeta hash mirrors the score for operators
// inspecting redis directly.
const (
	oracleKeyPrefix = "rep:"
	oracleMetaKey   = "repmeta:"
)

// RedisOracle stores the float reputation score per agent in redis.
type RedisOracle struct {
	store *Store
	now   func() time.Time
}

var _ reputation.Oracle = (*RedisOracle)(nil)

// NewRedisOracle builds the oracle over the shared redis handle.
func NewRedisOracle(store *Store) *RedisOracle {
	return &RedisOracle{store: store, now: time.Now}
}

// Score implements reputation.Oracle.
func (o *RedisOracle) Score(ctx context.Context, agent string) (float64, error) {
	raw, ok, err := o.store.Get(ctx, oracleKeyPrefix+agent)
	if err != nil {
		return 0, fmt.Errorf("oracle get %s: %w", agent, err)
	}
	if !ok {
		return reputation.OracleDefault, nil
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("oracle parse score for %s: %w", agent, err)
	}
	return score, nil
}

// Update implements reputation.Oracle.
func (o *RedisOracle) Update(ctx context.Context, agent string, decision policy.Decision) (float64, error) {
	score, err := o.Score(ctx, agent)
	if err != nil {
		return 0, err
	}
	score = reputation.ApplyOracleDelta(score, decision)

	val := strconv.FormatFloat(score, 'f', -1, 64)
	if err := o.store.Set(ctx, oracleKeyPrefix+agent, val, 0); err != nil {
		return 0, fmt.Errorf("oracle set %s: %w", agent, err)
	}
	if err := o.store.client.HSet(ctx, oracleMetaKey+agent,
		"score", val,
		"updated_at", o.now().Unix()).Err(); err != nil {
		return 0, fmt.Errorf("oracle meta %s: %w", agent, err)
	}
	return score, nil
}
