package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trading-core/internal/events"
	"paper-trading-core/pkg/cache"
	"paper-trading-core/pkg/market/binance"
)

func TestMemoryPriceStoreFreshness(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryPriceStore(cache.NewShardedPriceCacheWithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "BTCUSDT", 50000, now.Add(-time.Minute)))
	p, ok := store.Fresh(ctx, "BTCUSDT", 2*time.Minute)
	assert.True(t, ok)
	assert.Equal(t, 50000.0, p)

	_, ok = store.Fresh(ctx, "BTCUSDT", 30*time.Second)
	assert.False(t, ok)
	assert.Equal(t, map[string]float64{"BTCUSDT": 50000}, store.Snapshot(ctx))
}

func TestRedisPriceStoreUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	store := NewRedisPriceStoreWithClient(client, time.Minute)
	defer store.Close()
	ctx := context.Background()

	err := store.Put(ctx, "ETHUSDT", 3000, time.Now())
	assert.Error(t, err)

	// The local layer still serves the observation.
	p, ok := store.Fresh(ctx, "ETHUSDT", time.Minute)
	assert.True(t, ok)
	assert.Equal(t, 3000.0, p)

	_, ok = store.Fresh(ctx, "SOLUSDT", time.Minute)
	assert.False(t, ok)
}

type fakeTickerSource struct {
	mu    sync.Mutex
	calls int
	ticks []binance.Ticker
}

func (f *fakeTickerSource) SubscribeMiniTickers(ctx context.Context, symbols []string) (<-chan binance.Ticker, func(), error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	ch := make(chan binance.Ticker, len(f.ticks))
	for _, tk := range f.ticks {
		ch <- tk
	}
	close(ch)
	return ch, func() {}, nil
}

func TestPriceStreamerStoresAndPublishes(t *testing.T) {
	bus := events.NewBus()
	sub, unsub := bus.Subscribe(events.EventPriceTick, 4)
	defer unsub()

	store := NewMemoryPriceStore(nil)
	src := &fakeTickerSource{ticks: []binance.Ticker{{Symbol: "BTCUSDT", Price: 50100, Time: time.Now().UnixMilli()}}}
	s := &PriceStreamer{Source: src, Store: store, Bus: bus, Symbols: []string{"BTCUSDT"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case got := <-sub:
		assert.Equal(t, 50100.0, got.(events.PriceTick).Price)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a published tick")
	}
	p, ok := store.Fresh(context.Background(), "BTCUSDT", time.Minute)
	assert.True(t, ok)
	assert.Equal(t, 50100.0, p)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("streamer did not stop")
	}
}
