package quota

import (
	"context"
	"time"
)

// Store is the key-value collaborator behind the trackers. Counters are only
// changed through IncrBy, which must be atomic.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
	SumInts(ctx context.Context, keys ...string) (int64, error)
}
