package cache

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// ShardedPriceCache keeps the last-known price per symbol, sharded by key.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewShardedPriceCache creates a new sharded cache.
func NewShardedPriceCache() *ShardedPriceCache {
	return NewShardedPriceCacheWithClock(time.Now)
}

// NewShardedPriceCacheWithClock creates a cache with an injected clock.
func NewShardedPriceCacheWithClock(now func() time.Time) *ShardedPriceCache {
	c := &ShardedPriceCache{now: now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// getShard returns the shard for the given key.
func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol observed now.
func (c *ShardedPriceCache) Set(symbol string, price float64) {
	c.SetAt(symbol, price, c.now())
}

// SetAt stores a price observed at a given time. Older observations never
// overwrite newer ones.
func (c *ShardedPriceCache) SetAt(symbol string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	key := normalize(symbol)
	shard := c.getShard(key)
	shard.mu.Lock()
	if cur, ok := shard.items[key]; !ok || !at.Before(cur.updatedAt) {
		shard.items[key] = priceEntry{price: price, updatedAt: at}
	}
	shard.mu.Unlock()
}

// Get retrieves a price for a symbol.
func (c *ShardedPriceCache) Get(symbol string) (float64, bool) {
	price, _, ok := c.GetWithAge(symbol)
	return price, ok
}

// GetWithAge retrieves price and its age.
func (c *ShardedPriceCache) GetWithAge(symbol string) (float64, time.Duration, bool) {
	key := normalize(symbol)
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, c.now().Sub(entry.updatedAt), true
}

// GetFresh returns the price only when it is not older than maxAge.
func (c *ShardedPriceCache) GetFresh(symbol string, maxAge time.Duration) (float64, bool) {
	price, age, ok := c.GetWithAge(symbol)
	if !ok || age > maxAge {
		return 0, false
	}
	return price, true
}

// Delete removes a symbol from the cache.
func (c *ShardedPriceCache) Delete(symbol string) {
	key := normalize(symbol)
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// GetAll returns all cached prices.
func (c *ShardedPriceCache) GetAll() map[string]float64 {
	result := make(map[string]float64)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.items {
			result[sym] = entry.price
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems int           `json:"total_items"`
	OldestAge  time.Duration `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for _, shard := range c.shards {
		shard.mu.RLock()
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
