package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"paper-trading-core/pkg/cache"
)

// PriceStore keeps last-known prices so an exit check can fall back to a
// recent observation when the feed is briefly unreachable.
type PriceStore interface {
	Put(ctx context.Context, symbol string, price float64, at time.Time) error
	// Fresh returns the stored price only when it is not older than maxAge.
	Fresh(ctx context.Context, symbol string, maxAge time.Duration) (float64, bool)
	Snapshot(ctx context.Context) map[string]float64
}

// MemoryPriceStore is the in-process store over the sharded cache.
type MemoryPriceStore struct {
	cache *cache.ShardedPriceCache
}

// NewMemoryPriceStore builds an in-process store.
func NewMemoryPriceStore(c *cache.ShardedPriceCache) *MemoryPriceStore {
	if c == nil {
		c = cache.NewShardedPriceCache()
	}
	return &MemoryPriceStore{cache: c}
}

func (s *MemoryPriceStore) Put(_ context.Context, symbol string, price float64, at time.Time) error {
	s.cache.SetAt(symbol, price, at)
	return nil
}

func (s *MemoryPriceStore) Fresh(_ context.Context, symbol string, maxAge time.Duration) (float64, bool) {
	return s.cache.GetFresh(symbol, maxAge)
}

func (s *MemoryPriceStore) Snapshot(context.Context) map[string]float64 {
	return s.cache.GetAll()
}

// Stats exposes cache statistics for the metrics endpoint.
func (s *MemoryPriceStore) Stats() cache.CacheStats {
	return s.cache.Stats()
}

// RedisPriceStore shares last-known prices between processes. Each symbol
// is a hash {price, at} under keyPrefix+symbol; reads go through a local
// cache first.
type RedisPriceStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	local     *MemoryPriceStore
	now       func() time.Time
}

// NewRedisPriceStore connects to addr. ttl bounds how long keys live.
func NewRedisPriceStore(addr string, ttl time.Duration) *RedisPriceStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return NewRedisPriceStoreWithClient(client, ttl)
}

// NewRedisPriceStoreWithClient wraps an existing client.
func NewRedisPriceStoreWithClient(client *redis.Client, ttl time.Duration) *RedisPriceStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisPriceStore{
		client:    client,
		keyPrefix: "paper:price:",
		ttl:       ttl,
		local:     NewMemoryPriceStore(nil),
		now:       time.Now,
	}
}

// Ping checks connectivity.
func (s *RedisPriceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisPriceStore) Close() error {
	return s.client.Close()
}

func (s *RedisPriceStore) Put(ctx context.Context, symbol string, price float64, at time.Time) error {
	symbol = NormalizeSymbol(symbol)
	_ = s.local.Put(ctx, symbol, price, at)

	key := s.keyPrefix + symbol
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"at":    at.UnixMilli(),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s: %w", symbol, err)
	}
	return nil
}

func (s *RedisPriceStore) Fresh(ctx context.Context, symbol string, maxAge time.Duration) (float64, bool) {
	symbol = NormalizeSymbol(symbol)
	if p, ok := s.local.Fresh(ctx, symbol, maxAge); ok {
		return p, true
	}
	vals, err := s.client.HGetAll(ctx, s.keyPrefix+symbol).Result()
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	price, perr := strconv.ParseFloat(vals["price"], 64)
	ms, terr := strconv.ParseInt(vals["at"], 10, 64)
	if perr != nil || terr != nil || price <= 0 {
		return 0, false
	}
	at := time.UnixMilli(ms)
	if s.now().Sub(at) > maxAge {
		return 0, false
	}
	_ = s.local.Put(ctx, symbol, price, at)
	return price, true
}

func (s *RedisPriceStore) Snapshot(ctx context.Context) map[string]float64 {
	return s.local.Snapshot(ctx)
}
