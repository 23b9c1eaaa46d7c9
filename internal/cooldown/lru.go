package cooldown

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xxxsen/toolnav/internal/pkg/timeutil"
)

type lruCache struct {
	cache *expirable.LRU[string, time.Time]
	now   func() time.Time
}

// NewLRU keeps deadlines in process. maxTTL bounds how long an entry may
// live and should be at least the longest cooldown.
func NewLRU(size int, maxTTL time.Duration) Cache {
	return NewLRUWithClock(size, maxTTL, timeutil.SystemClock{})
}

// NewLRUWithClock measures deadlines against clock instead of wall time.
func NewLRUWithClock(size int, maxTTL time.Duration, clock timeutil.Clock) Cache {
	if size <= 0 {
		size = 10000
	}
	return &lruCache{
		cache: expirable.NewLRU[string, time.Time](size, nil, maxTTL),
		now:   clock.Now,
	}
}

func (c *lruCache) Remaining(ctx context.Context, key string) (time.Duration, error) {
	deadline, ok := c.cache.Get(key)
	if !ok {
		return 0, nil
	}
	left := deadline.Sub(c.now())
	if left <= 0 {
		c.cache.Remove(key)
		return 0, nil
	}
	return left, nil
}

func (c *lruCache) Block(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.cache.Add(key, c.now().Add(ttl))
	return nil
}
