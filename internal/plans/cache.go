package plans

import (
	"context"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedReader serves plans from a bounded, expiring cache in front of another
// reader. Misses and errors are not cached.
type CachedReader struct {
	next  billing.PlanReader
	cache *lru.LRU[uuid.UUID, billing.Plan]
}

func NewCachedReader(next billing.PlanReader, size int, ttl time.Duration) *CachedReader {
	if size < 1 {
		size = 1
	}
	return &CachedReader{
		next:  next,
		cache: lru.NewLRU[uuid.UUID, billing.Plan](size, nil, ttl),
	}
}

func (c *CachedReader) GetPlan(ctx context.Context, id uuid.UUID) (billing.Plan, error) {
	if p, ok := c.cache.Get(id); ok {
		return p, nil
	}
	p, err := c.next.GetPlan(ctx, id)
	if err != nil {
		return billing.Plan{}, err
	}
	c.cache.Add(id, p)
	return p, nil
}

// Invalidate drops a plan so the next read goes to the backing reader.
func (c *CachedReader) Invalidate(id uuid.UUID) {
	c.cache.Remove(id)
}

// Len reports the number of cached plans.
func (c *CachedReader) Len() int {
	return c.cache.Len()
}
