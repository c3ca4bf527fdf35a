package risk

import (
	"time"

	"paper-trading-core/pkg/config"
)

// Side is the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// ExitReason names the protective rule that closed a position.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitSignal       ExitReason = "SIGNAL"
	ExitManual       ExitReason = "MANUAL"
)

// Levels are the protection prices carried on an open position. A zero
// price disables that rule.
type Levels struct {
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	TrailingPct   float64 `json:"trailing_pct"`   // fraction, 0.02 = 2%
	TrailingLevel float64 `json:"trailing_level"` // current trailing stop price
	Extreme       float64 `json:"extreme_price"`  // highest (LONG) or lowest (SHORT) since entry
}

// ExitDecision is returned when a rule fires.
type ExitDecision struct {
	Reason ExitReason `json:"reason"`
	Price  float64    `json:"price"`
	Level  float64    `json:"level"`
}

// Config holds risk parameters. Percentages are in percent units (3 = 3%).
type Config struct {
	StopLossPct       float64       `json:"stop_loss_pct"`
	TakeProfitPct     float64       `json:"take_profit_pct"`
	TrailingStopPct   float64       `json:"trailing_stop_pct"`
	DailyLossLimitPct float64       `json:"daily_loss_limit_pct"`
	CooldownAfterLoss time.Duration `json:"cooldown_after_loss"`
}

// DefaultConfig mirrors the default trading settings.
func DefaultConfig() Config {
	return FromSettings(config.DefaultTradingSettings())
}

// FromSettings extracts the risk portion of the trading settings.
func FromSettings(s config.TradingSettings) Config {
	return Config{
		StopLossPct:       s.StopLossPct,
		TakeProfitPct:     s.TakeProfitPct,
		TrailingStopPct:   s.TrailingStopPct,
		DailyLossLimitPct: s.DailyLossLimitPct,
		CooldownAfterLoss: s.CooldownAfterLoss,
	}
}

// Metrics tracks realized results seen by the entry guard.
type Metrics struct {
	// Daily statistics, reset at UTC midnight.
	Day            string  `json:"day"`
	DayStartEquity float64 `json:"day_start_equity"`
	DailyPnL       float64 `json:"daily_pnl"`
	DailyTrades    int     `json:"daily_trades"`
	DailyLosses    float64 `json:"daily_losses"`

	TotalRealizedPnL float64   `json:"total_realized_pnl"`
	MaxProfit        float64   `json:"max_profit"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	LastLossAt       time.Time `json:"last_loss_at,omitempty"`

	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
	ExitsTotal      uint64 `json:"exits_total"`
}
