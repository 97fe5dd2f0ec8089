package cache

import (
	"context"
	"time"
)

// Store represents a disposable key/value cache backend. Implementations must be
// safe for concurrent use and treat keys as opaque; a missing key is reported
// through the bool result, never as an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Purge(ctx context.Context) error
}
