package market

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"paper-trading-core/internal/indicators"
)

// MockFeed generates synthetic candles for local development. Each symbol
// follows its own seeded random walk, so runs are reproducible.
type MockFeed struct {
	StartPrice float64
	Step       float64 // max relative move per bar, e.g. 0.01
	Interval   time.Duration
	Seed       int64

	mu      sync.Mutex
	now     func() time.Time
	rngs    map[string]*rand.Rand
	history map[string][]indicators.Bar
}

// NewMockFeed builds a mock feed with sane defaults.
func NewMockFeed(seed int64) *MockFeed {
	return &MockFeed{
		StartPrice: 100,
		Step:       0.01,
		Interval:   time.Hour,
		Seed:       seed,
		now:        time.Now,
		rngs:       make(map[string]*rand.Rand),
		history:    make(map[string][]indicators.Bar),
	}
}

func (m *MockFeed) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]indicators.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 250
	}
	symbol = NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(symbol, limit)
	m.advance(symbol)

	h := m.history[symbol]
	out := make([]indicators.Bar, limit)
	copy(out, h[len(h)-limit:])
	return out, nil
}

func (m *MockFeed) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	symbol = NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(symbol, 1)
	h := m.history[symbol]
	return h[len(h)-1].Close, nil
}

// SetPrice appends a bar closing at price.
func (m *MockFeed) SetPrice(symbol string, price float64) {
	symbol = NormalizeSymbol(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(symbol, 1)
	h := m.history[symbol]
	last := h[len(h)-1]
	m.history[symbol] = append(h, indicators.Bar{
		Time:   last.Time.Add(m.Interval),
		Open:   last.Close,
		High:   math.Max(last.Close, price),
		Low:    math.Min(last.Close, price),
		Close:  price,
		Volume: last.Volume,
	})
}

// ensure makes sure at least n bars exist for symbol, back-filling the walk
// so the latest bar ends near now.
func (m *MockFeed) ensure(symbol string, n int) {
	if m.rngs == nil {
		m.rngs = make(map[string]*rand.Rand)
		m.history = make(map[string][]indicators.Bar)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.Interval <= 0 {
		m.Interval = time.Hour
	}
	h := m.history[symbol]
	if len(h) >= n {
		return
	}
	rng, ok := m.rngs[symbol]
	if !ok {
		hs := fnv.New64a()
		hs.Write([]byte(symbol))
		rng = rand.New(rand.NewSource(m.Seed ^ int64(hs.Sum64())))
		m.rngs[symbol] = rng
	}
	price := m.StartPrice
	if price <= 0 {
		price = 100
	}
	start := m.now().Truncate(m.Interval).Add(-time.Duration(n-1) * m.Interval)
	if len(h) > 0 {
		// Already have some history: only extend forward.
		for len(m.history[symbol]) < n {
			m.advance(symbol)
		}
		return
	}
	h = make([]indicators.Bar, 0, n)
	for i := 0; i < n; i++ {
		bar := m.step(rng, price, start.Add(time.Duration(i)*m.Interval))
		price = bar.Close
		h = append(h, bar)
	}
	m.history[symbol] = h
}

func (m *MockFeed) advance(symbol string) {
	h := m.history[symbol]
	last := h[len(h)-1]
	m.history[symbol] = append(h, m.step(m.rngs[symbol], last.Close, last.Time.Add(m.Interval)))
}

func (m *MockFeed) step(rng *rand.Rand, open float64, at time.Time) indicators.Bar {
	step := m.Step
	if step <= 0 {
		step = 0.01
	}
	// simple random walk
	closePrice := open * (1 + (rng.Float64()*2-1)*step)
	if closePrice <= 0 {
		closePrice = open
	}
	wick := open * step * rng.Float64() / 2
	return indicators.Bar{
		Time:   at,
		Open:   open,
		High:   math.Max(open, closePrice) + wick,
		Low:    math.Max(math.Min(open, closePrice)-wick, open*0.0001),
		Close:  closePrice,
		Volume: 50 + rng.Float64()*100,
	}
}
