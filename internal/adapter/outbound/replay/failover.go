package replay

import (
	"context"
	"log/slog"
	"time"
)

// Failover tries the primary store and falls back to the secondary when the
// primary errors. The served backend is reported in the result so callers
// can surface degraded operation.
type Failover struct {
	primary   Store
	secondary Store
	logger    *slog.Logger
}

var _ Store = (*Failover)(nil)

// NewFailover builds the wrapper. secondary may be nil, in which case
// primary errors propagate.
func NewFailover(primary, secondary Store, logger *slog.Logger) *Failover {
	return &Failover{primary: primary, secondary: secondary, logger: logger}
}

// CheckAndSet implements Store.
func (f *Failover) CheckAndSet(ctx context.Context, nonce string, ttl time.Duration) (Result, error) {
	res, err := f.primary.CheckAndSet(ctx, nonce, ttl)
	if err == nil {
		return res, nil
	}
	if f.secondary == nil {
		return Result{}, err
	}
	f.logger.Warn("replay primary store failed, using fallback", "error", err)
	return f.secondary.CheckAndSet(ctx, nonce, ttl)
}

// Close implements Store. Both stores are closed; the first error wins.
func (f *Failover) Close() error {
	err := f.primary.Close()
	if f.secondary != nil {
		if cerr := f.secondary.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
