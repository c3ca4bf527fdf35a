// Package monitor keeps in-process counters and latency windows for the
// trading loop.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LoopMetrics tracks trading loop throughput and stage latency.
type LoopMetrics struct {
	CycleLatency  *LatencyHistogram
	FeedLatency   *LatencyHistogram
	SignalLatency *LatencyHistogram
	LedgerLatency *LatencyHistogram

	cycles            atomic.Uint64
	degradedCycles    atomic.Uint64
	skippedTriggers   atomic.Uint64
	signalsGenerated  atomic.Uint64
	tradesOpened      atomic.Uint64
	tradesClosed      atomic.Uint64
	exitsTriggered    atomic.Uint64
	candidatesSkipped atomic.Uint64
	errorsCount       atomic.Uint64

	mu        sync.RWMutex
	lastCycle time.Time
	accounts  int
}

// NewLoopMetrics creates a metrics instance with 500-sample windows.
func NewLoopMetrics() *LoopMetrics {
	return &LoopMetrics{
		CycleLatency:  NewLatencyHistogram(500),
		FeedLatency:   NewLatencyHistogram(500),
		SignalLatency: NewLatencyHistogram(500),
		LedgerLatency: NewLatencyHistogram(500),
	}
}

// LatencyHistogram keeps a sliding window of samples in milliseconds.
// Stats are recomputed lazily when the window changed.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

// NewLatencyHistogram creates a window holding at most size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 500
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a sample in milliseconds, evicting the oldest when full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

// RecordDuration records d in milliseconds.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Since records the time elapsed since start.
func (h *LatencyHistogram) Since(start time.Time) {
	h.RecordDuration(time.Since(start))
}

// Stats returns min, max, avg and percentiles over the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return h.cached
	}
	n := len(h.samples)
	if n == 0 {
		h.cached = LatencyStats{}
		h.dirty = false
		return h.cached
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// CycleDone counts a finished cycle. degraded marks a cycle that ran
// without fresh market data.
func (m *LoopMetrics) CycleDone(start time.Time, degraded bool) {
	m.cycles.Add(1)
	if degraded {
		m.degradedCycles.Add(1)
	}
	m.CycleLatency.Since(start)
	m.mu.Lock()
	m.lastCycle = time.Now()
	m.mu.Unlock()
}

func (m *LoopMetrics) TriggerSkipped()   { m.skippedTriggers.Add(1) }
func (m *LoopMetrics) SignalGenerated()  { m.signalsGenerated.Add(1) }
func (m *LoopMetrics) TradeOpened()      { m.tradesOpened.Add(1) }
func (m *LoopMetrics) TradeClosed()      { m.tradesClosed.Add(1) }
func (m *LoopMetrics) ExitTriggered()    { m.exitsTriggered.Add(1) }
func (m *LoopMetrics) CandidateSkipped() { m.candidatesSkipped.Add(1) }
func (m *LoopMetrics) Error()            { m.errorsCount.Add(1) }

// SetAccountCount records how many ledgers are open.
func (m *LoopMetrics) SetAccountCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = n
}

// MetricsSnapshot is a point-in-time view of LoopMetrics.
type MetricsSnapshot struct {
	CycleLatency      LatencyStats `json:"cycle_latency"`
	FeedLatency       LatencyStats `json:"feed_latency"`
	SignalLatency     LatencyStats `json:"signal_latency"`
	LedgerLatency     LatencyStats `json:"ledger_latency"`
	Cycles            uint64       `json:"cycles"`
	DegradedCycles    uint64       `json:"degraded_cycles"`
	SkippedTriggers   uint64       `json:"skipped_triggers"`
	SignalsGenerated  uint64       `json:"signals_generated"`
	TradesOpened      uint64       `json:"trades_opened"`
	TradesClosed      uint64       `json:"trades_closed"`
	ExitsTriggered    uint64       `json:"exits_triggered"`
	CandidatesSkipped uint64       `json:"candidates_skipped"`
	ErrorsCount       uint64       `json:"errors_count"`
	ActiveAccounts    int          `json:"active_accounts"`
	LastCycle         time.Time    `json:"last_cycle"`
	GoroutineCount    int          `json:"goroutine_count"`
	HeapAlloc         uint64       `json:"heap_alloc_bytes"`
	HeapSys           uint64       `json:"heap_sys_bytes"`
	Timestamp         time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *LoopMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	last := m.lastCycle
	accounts := m.accounts
	m.mu.RUnlock()

	return MetricsSnapshot{
		CycleLatency:      m.CycleLatency.Stats(),
		FeedLatency:       m.FeedLatency.Stats(),
		SignalLatency:     m.SignalLatency.Stats(),
		LedgerLatency:     m.LedgerLatency.Stats(),
		Cycles:            m.cycles.Load(),
		DegradedCycles:    m.degradedCycles.Load(),
		SkippedTriggers:   m.skippedTriggers.Load(),
		SignalsGenerated:  m.signalsGenerated.Load(),
		TradesOpened:      m.tradesOpened.Load(),
		TradesClosed:      m.tradesClosed.Load(),
		ExitsTriggered:    m.exitsTriggered.Load(),
		CandidatesSkipped: m.candidatesSkipped.Load(),
		ErrorsCount:       m.errorsCount.Load(),
		ActiveAccounts:    accounts,
		LastCycle:         last,
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}
