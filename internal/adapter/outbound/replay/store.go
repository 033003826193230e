// Package replay prevents request replay. A request's nonce is derived from
// its identifying fields; a nonce may be consumed exactly once within the
// replay window. Redis is the primary store with a durable sqlite fallback.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelSCA/sentinel/internal/domain/signing"
)

// Backend names reported by Result.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Result is the outcome of one CheckAndSet.
type Result struct {
	// Fresh is true when the nonce was unseen and has now been consumed.
	Fresh bool
	// Backend names the store that served the check.
	Backend string
}

// Store consumes nonces at most once per TTL window.
type Store interface {
	// CheckAndSet atomically records the nonce. Fresh is false when the
	// nonce was already present (a replay).
	CheckAndSet(ctx context.Context, nonce string, ttl time.Duration) (Result, error)
	// Close releases backing resources.
	Close() error
}

// NonceFor derives the replay nonce for one analyze request.
func NonceFor(agentID, command, tsUnix string) string {
	return signing.SHA256Hex([]byte(fmt.Sprintf("%s|%s|%s", agentID, command, tsUnix)))
}
