package server

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/brojonat/fogwatch/service/metrics"
)

// aggregateCache holds recently computed aggregates so dashboard polling
// does not recompute them on every request.
type aggregateCache struct {
	items   *ttlcache.Cache[string, any]
	mu      sync.Mutex
	metrics *metrics.Metrics
}

// newAggregateCache returns a cache with the given TTL. A non-positive TTL
// returns nil, which disables caching.
func newAggregateCache(ttl time.Duration, m *metrics.Metrics) *aggregateCache {
	if ttl <= 0 {
		return nil
	}
	return &aggregateCache{
		items: ttlcache.New[string, any](
			ttlcache.WithTTL[string, any](ttl),
			ttlcache.WithDisableTouchOnHit[string, any](),
		),
		metrics: m,
	}
}

func (c *aggregateCache) Close() {
	if c != nil {
		c.items.DeleteAll()
	}
}

// cached returns the value stored under key or computes and stores it.
// The lock keeps concurrent misses from computing the same aggregate twice.
func cached[T any](c *aggregateCache, name, key string, compute func() (T, error)) (T, error) {
	if c == nil {
		return compute()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item := c.items.Get(key); item != nil {
		if v, ok := item.Value().(T); ok {
			c.metrics.RecordQueryCache(name, true)
			return v, nil
		}
	}
	c.metrics.RecordQueryCache(name, false)

	v, err := compute()
	if err != nil {
		return v, err
	}
	c.items.Set(key, v, ttlcache.DefaultTTL)
	return v, nil
}
