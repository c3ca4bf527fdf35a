package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-core/pkg/logger"
)

// Manager owns the risk configuration, evaluates exits and gates new
// entries on realized results. Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	config  Config
	metrics Metrics
	log     zerolog.Logger
}

// NewManager creates a risk manager with cfg.
func NewManager(cfg Config) *Manager {
	lg := logger.Component("risk")
	lg.Info().
		Float64("stop_loss_pct", cfg.StopLossPct).
		Float64("take_profit_pct", cfg.TakeProfitPct).
		Float64("trailing_pct", cfg.TrailingStopPct).
		Msg("Risk Manager initialized")
	return &Manager{config: cfg, log: lg}
}

// GetConfig returns a copy of current config.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// UpdateConfig replaces the configuration. Open positions keep the levels
// they were opened with.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

// Open returns the initial protection for a new position.
func (m *Manager) Open(side Side, entry float64) Levels {
	return NewLevels(side, entry, m.GetConfig())
}

// Evaluate checks a position's levels against the current price.
func (m *Manager) Evaluate(side Side, lv Levels, price float64) (Levels, *ExitDecision) {
	next, dec := Evaluate(side, lv, price)
	if dec != nil {
		m.mu.Lock()
		m.metrics.ExitsTotal++
		m.mu.Unlock()
	}
	return next, dec
}

// CanOpen reports whether a new entry is allowed at the given time. The
// returned reason is empty when allowed.
func (m *Manager) CanOpen(at time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.ChecksTotal++
	m.rollDay(at)
	cfg := m.config

	// 1. Daily loss limit against the equity the day started with.
	if cfg.DailyLossLimitPct > 0 && m.metrics.DayStartEquity > 0 && m.metrics.DailyPnL < 0 {
		limit := m.metrics.DayStartEquity * cfg.DailyLossLimitPct / 100
		if -m.metrics.DailyPnL >= limit {
			m.metrics.RejectionsTotal++
			return false, fmt.Sprintf("daily loss limit reached: %.2f/%.2f", -m.metrics.DailyPnL, limit)
		}
	}

	// 2. Cooldown after a losing close.
	if cfg.CooldownAfterLoss > 0 && !m.metrics.LastLossAt.IsZero() {
		if until := m.metrics.LastLossAt.Add(cfg.CooldownAfterLoss); at.Before(until) {
			m.metrics.RejectionsTotal++
			return false, fmt.Sprintf("cooling down after loss until %s", until.UTC().Format(time.RFC3339))
		}
	}
	return true, ""
}

// RecordClose feeds a realized result into the guard. equityAfter is the
// account equity after the close.
func (m *Manager) RecordClose(pnl, equityAfter float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDay(at)
	if m.metrics.DayStartEquity == 0 {
		m.metrics.DayStartEquity = equityAfter - pnl
	}

	m.metrics.DailyTrades++
	m.metrics.DailyPnL += pnl
	if pnl < 0 {
		m.metrics.DailyLosses += -pnl
		m.metrics.LastLossAt = at
	}

	m.metrics.TotalRealizedPnL += pnl
	if m.metrics.TotalRealizedPnL > m.metrics.MaxProfit {
		m.metrics.MaxProfit = m.metrics.TotalRealizedPnL
	}
	if drawdown := m.metrics.MaxProfit - m.metrics.TotalRealizedPnL; drawdown > m.metrics.MaxDrawdown {
		m.metrics.MaxDrawdown = drawdown
	}
}

// rollDay resets daily counters when at falls on a new UTC day. Callers hold mu.
func (m *Manager) rollDay(at time.Time) {
	day := at.UTC().Format("2006-01-02")
	if m.metrics.Day == day {
		return
	}
	if m.metrics.Day != "" {
		m.log.Info().
			Str("prev_day", m.metrics.Day).
			Float64("pnl", m.metrics.DailyPnL).
			Int("trades", m.metrics.DailyTrades).
			Msg("Daily metrics reset")
	}
	m.metrics.Day = day
	m.metrics.DayStartEquity = 0
	m.metrics.DailyPnL = 0
	m.metrics.DailyTrades = 0
	m.metrics.DailyLosses = 0
}

// GetMetrics returns current metrics snapshot.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}
