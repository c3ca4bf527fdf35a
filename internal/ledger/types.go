// Package ledger is the single mutator of paper balances, positions and
// trades. Every mutation is persisted in one store transaction before the
// in-memory state changes.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"paper-trading-core/internal/risk"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientQuantity = errors.New("insufficient position quantity")
	ErrNoPosition           = errors.New("no open position")
	ErrSideMismatch         = errors.New("position side mismatch")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrInconsistentState    = errors.New("inconsistent ledger state")
	ErrPersistence          = errors.New("ledger persistence failed")
)

// IsRejection reports whether err is a business rejection (the order was
// refused and nothing changed) as opposed to a fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientQuantity) ||
		errors.Is(err, ErrNoPosition) ||
		errors.Is(err, ErrSideMismatch) ||
		errors.Is(err, ErrInvalidOrder)
}

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	StatusOpen       TradeStatus = "OPEN"
	StatusClosed     TradeStatus = "CLOSED"
	StatusStoppedOut TradeStatus = "STOPPED_OUT"
	StatusTakeProfit TradeStatus = "TAKE_PROFIT"
)

func statusFor(reason risk.ExitReason) TradeStatus {
	switch reason {
	case risk.ExitStopLoss, risk.ExitTrailingStop:
		return StatusStoppedOut
	case risk.ExitTakeProfit:
		return StatusTakeProfit
	}
	return StatusClosed
}

// Balance is the account-level state.
type Balance struct {
	AccountID    string          `json:"account_id"`
	Cash         decimal.Decimal `json:"cash"`
	Initial      decimal.Decimal `json:"initial_balance"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	TradesOpened int             `json:"trades_opened"`
	// TotalTrades counts closed trades only.
	TotalTrades int             `json:"total_trades"`
	Winning     int             `json:"winning_trades"`
	Losing      int             `json:"losing_trades"`
	Breakeven   int             `json:"breakeven_trades"`
	LargestWin  decimal.Decimal `json:"largest_win"`
	LargestLoss decimal.Decimal `json:"largest_loss"`
	PeakEquity  decimal.Decimal `json:"peak_equity"`
	// MaxDrawdown is a fraction of the peak, 0.1 = 10%.
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Equity is the account value at cost: initial balance plus realized P&L.
func (b Balance) Equity() decimal.Decimal {
	return b.Initial.Add(b.RealizedPnL)
}

// WinRate is the winning share of closed trades, in percent.
func (b Balance) WinRate() float64 {
	if b.TotalTrades == 0 {
		return 0
	}
	return float64(b.Winning) / float64(b.TotalTrades) * 100
}

// Position is one open position. Quantity is always positive.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          risk.Side       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	Protection    risk.Levels     `json:"protection"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// UnrealizedPnL values the position at price.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.AvgEntryPrice)
	if p.Side == risk.Short {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// SignalContext records what triggered a trade.
type SignalContext struct {
	Class      string   `json:"class"`
	Score      int      `json:"score"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Trade is either an OPEN leg (one per buy) or the closing record of a sell.
// Closing records carry the realized P&L and link to the position's earliest
// open leg; open legs are settled first-in first-out and keep a nil P&L.
type Trade struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	Symbol        string           `json:"symbol"`
	Side          risk.Side        `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	OpenQuantity  decimal.Decimal  `json:"open_quantity"`
	EntryPrice    decimal.Decimal  `json:"entry_price"`
	ExitPrice     *decimal.Decimal `json:"exit_price"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl"`
	Status        TradeStatus      `json:"status"`
	ExitReason    risk.ExitReason  `json:"exit_reason,omitempty"`
	OpenTradeID   string           `json:"open_trade_id,omitempty"`
	SettledBy     string           `json:"settled_by,omitempty"`
	BalanceBefore decimal.Decimal  `json:"balance_before"`
	BalanceAfter  decimal.Decimal  `json:"balance_after"`
	Signal        *SignalContext   `json:"signal,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at"`
}

// IsClosing reports whether t is a closing record rather than an open leg.
func (t Trade) IsClosing() bool {
	return t.RealizedPnL != nil
}

// State is everything a Store keeps for one account.
type State struct {
	Found     bool
	Balance   Balance
	Positions []Position
	// OpenTrades are OPEN legs with remaining quantity, oldest first.
	OpenTrades []Trade
}
