package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"paper-trading-core/internal/ledger"
	"paper-trading-core/internal/monitor"
	"paper-trading-core/internal/risk"
	"paper-trading-core/internal/signal"
)

var (
	ErrAlreadyRunning = errors.New("trading loop already running")
	ErrNotRunning     = errors.New("trading loop not running")
)

// State is the trading loop state.
type State string

const (
	StateIdle      State = "IDLE"
	StateAnalyzing State = "ANALYZING"
	StateDeciding  State = "DECIDING"
	StateExecuting State = "EXECUTING"
	StateWaiting   State = "WAITING"
	StateStopped   State = "STOPPED"
)

// ActivityKind classifies an activity log entry.
type ActivityKind string

const (
	ActivityBuy   ActivityKind = "BUY"
	ActivitySell  ActivityKind = "SELL"
	ActivityExit  ActivityKind = "EXIT"
	ActivitySkip  ActivityKind = "SKIP"
	ActivityError ActivityKind = "ERROR"
	ActivityInfo  ActivityKind = "INFO"
)

// Activity is one entry of the capped trade log.
type Activity struct {
	At      time.Time    `json:"at"`
	Kind    ActivityKind `json:"kind"`
	Symbol  string       `json:"symbol,omitempty"`
	Message string       `json:"message"`
}

// Status is the loop's externally visible state.
type Status struct {
	Running     bool       `json:"running"`
	State       State      `json:"state"`
	LastAction  string     `json:"last_action"`
	Error       string     `json:"error,omitempty"`
	AccountID   string     `json:"account_id"`
	Symbols     []string   `json:"symbols"`
	Interval    string     `json:"interval"`
	LastCycleAt *time.Time `json:"last_cycle_at,omitempty"`
	TradeLog    []Activity `json:"trade_log"`
}

// Candidate is a trade the deciding phase wants to place.
type Candidate struct {
	Symbol string        `json:"symbol"`
	Side   string        `json:"side"` // BUY or SELL
	Signal signal.Signal `json:"signal"`
}

// PositionView is an open position valued at the last known price.
type PositionView struct {
	ledger.Position
	CurrentPrice  *float64         `json:"current_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// ManualOrder is an operator-placed paper trade. Side is BUY, SELL, SHORT or
// CLOSE; a nil Price uses the current market price.
type ManualOrder struct {
	AccountID string           `json:"account_id"`
	Symbol    string           `json:"symbol"`
	Side      string           `json:"side"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

// Metrics aggregates loop and risk counters.
type Metrics struct {
	Loop  monitor.MetricsSnapshot `json:"loop"`
	Risk  risk.Metrics            `json:"risk"`
	State State                   `json:"state"`
}
