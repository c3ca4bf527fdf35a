package db

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Account is the persisted balance row of one paper account.
type Account struct {
	ID              string
	InitialBalance  decimal.Decimal
	Cash            decimal.Decimal
	RealizedPnL     decimal.Decimal
	TradesOpened    int
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	BreakevenTrades int
	LargestWin      decimal.Decimal
	LargestLoss     decimal.Decimal
	PeakEquity      decimal.Decimal
	MaxDrawdown     decimal.Decimal
	UpdatedAt       time.Time
}

// Position is an open position row with its protection levels.
type Position struct {
	AccountID     string
	Symbol        string
	Side          string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	TotalInvested decimal.Decimal
	StopLoss      float64
	TakeProfit    float64
	TrailingPct   float64
	TrailingLevel float64
	ExtremePrice  float64
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// Trade is one trade record: an OPEN leg or a closing record.
type Trade struct {
	ID               string
	AccountID        string
	Symbol           string
	Side             string
	Quantity         decimal.Decimal
	OpenQuantity     decimal.Decimal
	EntryPrice       decimal.Decimal
	ExitPrice        decimal.NullDecimal
	RealizedPnL      decimal.NullDecimal
	Status           string
	ExitReason       string
	OpenTradeID      string
	SettledBy        string
	BalanceBefore    decimal.Decimal
	BalanceAfter     decimal.Decimal
	SignalClass      string
	SignalScore      int
	SignalConfidence float64
	SignalReasons    string
	OpenedAt         time.Time
	ClosedAt         sql.NullTime
}

// SignalRecord is one journaled signal.
type SignalRecord struct {
	ID         int64
	Symbol     string
	Class      string
	Score      int
	Confidence float64
	RiskLevel  string
	Price      float64
	Sentiment  int
	Reasons    string // JSON array
	CreatedAt  time.Time
}
