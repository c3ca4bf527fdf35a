// Package persistence stores ledger state and the signal journal in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"paper-trading-core/internal/ledger"
	"paper-trading-core/internal/risk"
	"paper-trading-core/pkg/db"
)

// SQLiteStore implements ledger.Store over pkg/db.
type SQLiteStore struct {
	db *db.Database
	q  *db.AccountQueries
	tx bool
}

// NewSQLiteStore wraps an opened, migrated database.
func NewSQLiteStore(database *db.Database) *SQLiteStore {
	return &SQLiteStore{db: database, q: database.Queries()}
}

var _ ledger.Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) LoadAccountState(ctx context.Context, accountID string) (ledger.State, error) {
	acc, err := s.q.GetAccount(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) {
		return ledger.State{}, nil
	}
	if err != nil {
		return ledger.State{}, err
	}

	rows, err := s.q.GetPositionsByAccount(ctx, accountID)
	if err != nil {
		return ledger.State{}, err
	}
	open, err := s.q.GetOpenTradesByAccount(ctx, accountID)
	if err != nil {
		return ledger.State{}, err
	}

	st := ledger.State{Found: true, Balance: balanceFromRow(*acc)}
	for _, p := range rows {
		st.Positions = append(st.Positions, positionFromRow(p))
	}
	for _, t := range open {
		st.OpenTrades = append(st.OpenTrades, tradeFromRow(t))
	}
	return st, nil
}

func (s *SQLiteStore) AppendTrade(ctx context.Context, t ledger.Trade) error {
	row, err := tradeToRow(t)
	if err != nil {
		return err
	}
	return s.q.UpsertTrade(ctx, row)
}

func (s *SQLiteStore) SaveAccountState(ctx context.Context, b ledger.Balance, positions []ledger.Position) error {
	if err := s.q.UpsertAccount(ctx, balanceToRow(b)); err != nil {
		return err
	}
	rows := make([]db.Position, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, positionToRow(b.AccountID, p))
	}
	return s.q.ReplacePositions(ctx, b.AccountID, rows)
}

func (s *SQLiteStore) ListTrades(ctx context.Context, accountID string, limit int) ([]ledger.Trade, error) {
	rows, err := s.q.GetTradesByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, tradeFromRow(r))
	}
	return out, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]string, error) {
	return s.q.ListAccountIDs(ctx)
}

// Atomically runs fn in one SQLite transaction. Nested calls join the
// outer transaction.
func (s *SQLiteStore) Atomically(ctx context.Context, fn func(tx ledger.Store) error) error {
	if s.tx {
		return fn(s)
	}
	return s.db.WithTx(ctx, func(q *db.AccountQueries) error {
		return fn(&SQLiteStore{db: s.db, q: q, tx: true})
	})
}

// ----------------------------------------
// Row mapping
// ----------------------------------------

func balanceToRow(b ledger.Balance) db.Account {
	return db.Account{
		ID:              b.AccountID,
		InitialBalance:  b.Initial,
		Cash:            b.Cash,
		RealizedPnL:     b.RealizedPnL,
		TradesOpened:    b.TradesOpened,
		TotalTrades:     b.TotalTrades,
		WinningTrades:   b.Winning,
		LosingTrades:    b.Losing,
		BreakevenTrades: b.Breakeven,
		LargestWin:      b.LargestWin,
		LargestLoss:     b.LargestLoss,
		PeakEquity:      b.PeakEquity,
		MaxDrawdown:     b.MaxDrawdown,
		UpdatedAt:       b.UpdatedAt,
	}
}

func balanceFromRow(a db.Account) ledger.Balance {
	return ledger.Balance{
		AccountID:    a.ID,
		Cash:         a.Cash,
		Initial:      a.InitialBalance,
		RealizedPnL:  a.RealizedPnL,
		TradesOpened: a.TradesOpened,
		TotalTrades:  a.TotalTrades,
		Winning:      a.WinningTrades,
		Losing:       a.LosingTrades,
		Breakeven:    a.BreakevenTrades,
		LargestWin:   a.LargestWin,
		LargestLoss:  a.LargestLoss,
		PeakEquity:   a.PeakEquity,
		MaxDrawdown:  a.MaxDrawdown,
		UpdatedAt:    a.UpdatedAt,
	}
}

func positionToRow(accountID string, p ledger.Position) db.Position {
	return db.Position{
		AccountID:     accountID,
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		Quantity:      p.Quantity,
		AvgEntryPrice: p.AvgEntryPrice,
		TotalInvested: p.TotalInvested,
		StopLoss:      p.Protection.StopLoss,
		TakeProfit:    p.Protection.TakeProfit,
		TrailingPct:   p.Protection.TrailingPct,
		TrailingLevel: p.Protection.TrailingLevel,
		ExtremePrice:  p.Protection.Extreme,
		OpenedAt:      p.OpenedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func positionFromRow(p db.Position) ledger.Position {
	return ledger.Position{
		Symbol:        p.Symbol,
		Side:          risk.Side(p.Side),
		Quantity:      p.Quantity,
		AvgEntryPrice: p.AvgEntryPrice,
		TotalInvested: p.TotalInvested,
		Protection: risk.Levels{
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			TrailingPct:   p.TrailingPct,
			TrailingLevel: p.TrailingLevel,
			Extreme:       p.ExtremePrice,
		},
		OpenedAt:  p.OpenedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func tradeToRow(t ledger.Trade) (db.Trade, error) {
	row := db.Trade{
		ID:            t.ID,
		AccountID:     t.AccountID,
		Symbol:        t.Symbol,
		Side:          string(t.Side),
		Quantity:      t.Quantity,
		OpenQuantity:  t.OpenQuantity,
		EntryPrice:    t.EntryPrice,
		Status:        string(t.Status),
		ExitReason:    string(t.ExitReason),
		OpenTradeID:   t.OpenTradeID,
		SettledBy:     t.SettledBy,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		OpenedAt:      t.OpenedAt,
	}
	if t.ExitPrice != nil {
		row.ExitPrice = decimal.NewNullDecimal(*t.ExitPrice)
	}
	if t.RealizedPnL != nil {
		row.RealizedPnL = decimal.NewNullDecimal(*t.RealizedPnL)
	}
	if t.ClosedAt != nil {
		row.ClosedAt = sql.NullTime{Time: *t.ClosedAt, Valid: true}
	}
	if t.Signal != nil {
		row.SignalClass = t.Signal.Class
		row.SignalScore = t.Signal.Score
		row.SignalConfidence = t.Signal.Confidence
		reasons, err := json.Marshal(t.Signal.Reasons)
		if err != nil {
			return db.Trade{}, fmt.Errorf("encode signal reasons: %w", err)
		}
		row.SignalReasons = string(reasons)
	}
	return row, nil
}

func tradeFromRow(r db.Trade) ledger.Trade {
	t := ledger.Trade{
		ID:            r.ID,
		AccountID:     r.AccountID,
		Symbol:        r.Symbol,
		Side:          risk.Side(r.Side),
		Quantity:      r.Quantity,
		OpenQuantity:  r.OpenQuantity,
		EntryPrice:    r.EntryPrice,
		Status:        ledger.TradeStatus(r.Status),
		ExitReason:    risk.ExitReason(r.ExitReason),
		OpenTradeID:   r.OpenTradeID,
		SettledBy:     r.SettledBy,
		BalanceBefore: r.BalanceBefore,
		BalanceAfter:  r.BalanceAfter,
		OpenedAt:      r.OpenedAt,
	}
	if r.ExitPrice.Valid {
		v := r.ExitPrice.Decimal
		t.ExitPrice = &v
	}
	if r.RealizedPnL.Valid {
		v := r.RealizedPnL.Decimal
		t.RealizedPnL = &v
	}
	if r.ClosedAt.Valid {
		v := r.ClosedAt.Time
		t.ClosedAt = &v
	}
	if r.SignalClass != "" {
		sig := &ledger.SignalContext{
			Class:      r.SignalClass,
			Score:      r.SignalScore,
			Confidence: r.SignalConfidence,
		}
		if r.SignalReasons != "" {
			_ = json.Unmarshal([]byte(r.SignalReasons), &sig.Reasons)
		}
		t.Signal = sig
	}
	return t
}
