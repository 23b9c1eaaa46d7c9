package cooldown

import (
	"context"
	"time"
)

// Cache remembers keys that are blocked until a deadline. It is a fast path
// in front of the durable send history, never the source of truth.
type Cache interface {
	Remaining(ctx context.Context, key string) (time.Duration, error)
	Block(ctx context.Context, key string, ttl time.Duration) error
}
