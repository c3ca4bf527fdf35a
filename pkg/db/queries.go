// Package db provides account-isolated queries for the paper ledger.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAccountIDRequired = errors.New("account_id is required for data isolation")
	ErrNotFound          = errors.New("record not found")
)

// AccountQueries provides account-isolated database queries.
type AccountQueries struct {
	db DBTX
}

// NewAccountQueries creates a new AccountQueries instance over a handle or transaction.
func NewAccountQueries(db DBTX) *AccountQueries {
	return &AccountQueries{db: db}
}

// ----------------------------------------
// Account Queries
// ----------------------------------------

// GetAccount returns the balance row for an account or ErrNotFound.
func (q *AccountQueries) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT id, initial_balance, cash, realized_pnl, trades_opened, total_trades,
		       winning_trades, losing_trades, breakeven_trades, largest_win, largest_loss,
		       peak_equity, max_drawdown, updated_at
		FROM accounts WHERE id = ?
	`, accountID)
	var a Account
	err := row.Scan(&a.ID, &a.InitialBalance, &a.Cash, &a.RealizedPnL, &a.TradesOpened, &a.TotalTrades,
		&a.WinningTrades, &a.LosingTrades, &a.BreakevenTrades, &a.LargestWin, &a.LargestLoss,
		&a.PeakEquity, &a.MaxDrawdown, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// UpsertAccount stores the balance row.
func (q *AccountQueries) UpsertAccount(ctx context.Context, a Account) error {
	if a.ID == "" {
		return ErrAccountIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, initial_balance, cash, realized_pnl, trades_opened, total_trades,
			winning_trades, losing_trades, breakeven_trades, largest_win, largest_loss,
			peak_equity, max_drawdown, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			initial_balance = excluded.initial_balance,
			cash = excluded.cash,
			realized_pnl = excluded.realized_pnl,
			trades_opened = excluded.trades_opened,
			total_trades = excluded.total_trades,
			winning_trades = excluded.winning_trades,
			losing_trades = excluded.losing_trades,
			breakeven_trades = excluded.breakeven_trades,
			largest_win = excluded.largest_win,
			largest_loss = excluded.largest_loss,
			peak_equity = excluded.peak_equity,
			max_drawdown = excluded.max_drawdown,
			updated_at = excluded.updated_at
	`, a.ID, a.InitialBalance, a.Cash, a.RealizedPnL, a.TradesOpened, a.TotalTrades,
		a.WinningTrades, a.LosingTrades, a.BreakevenTrades, a.LargestWin, a.LargestLoss,
		a.PeakEquity, a.MaxDrawdown, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// ListAccountIDs returns every known account id.
func (q *AccountQueries) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

// GetPositionsByAccount returns all open positions for an account.
func (q *AccountQueries) GetPositionsByAccount(ctx context.Context, accountID string) ([]Position, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT account_id, symbol, side, quantity, avg_entry_price, total_invested,
		       stop_loss, take_profit, trailing_pct, trailing_level, extreme_price,
		       opened_at, updated_at
		FROM positions
		WHERE account_id = ?
		ORDER BY symbol
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.AccountID, &p.Symbol, &p.Side, &p.Quantity, &p.AvgEntryPrice, &p.TotalInvested,
			&p.StopLoss, &p.TakeProfit, &p.TrailingPct, &p.TrailingLevel, &p.ExtremePrice,
			&p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ReplacePositions swaps the account's full position set.
func (q *AccountQueries) ReplacePositions(ctx context.Context, accountID string, positions []Position) error {
	if accountID == "" {
		return ErrAccountIDRequired
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM positions WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	for _, p := range positions {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO positions (
				account_id, symbol, side, quantity, avg_entry_price, total_invested,
				stop_loss, take_profit, trailing_pct, trailing_level, extreme_price,
				opened_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, accountID, p.Symbol, p.Side, p.Quantity, p.AvgEntryPrice, p.TotalInvested,
			p.StopLoss, p.TakeProfit, p.TrailingPct, p.TrailingLevel, p.ExtremePrice,
			p.OpenedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", p.Symbol, err)
		}
	}
	return nil
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

const tradeColumns = `id, account_id, symbol, side, quantity, open_quantity, entry_price, exit_price,
		       realized_pnl, status, exit_reason, open_trade_id, settled_by, balance_before,
		       balance_after, signal_class, signal_score, signal_confidence, signal_reasons,
		       opened_at, closed_at`

// UpsertTrade inserts a trade or overwrites the stored record with the same id.
func (q *AccountQueries) UpsertTrade(ctx context.Context, t Trade) error {
	if t.AccountID == "" {
		return ErrAccountIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			open_quantity = excluded.open_quantity,
			exit_price = excluded.exit_price,
			realized_pnl = excluded.realized_pnl,
			status = excluded.status,
			exit_reason = excluded.exit_reason,
			settled_by = excluded.settled_by,
			balance_after = excluded.balance_after,
			closed_at = excluded.closed_at
	`, t.ID, t.AccountID, t.Symbol, t.Side, t.Quantity, t.OpenQuantity, t.EntryPrice, t.ExitPrice,
		t.RealizedPnL, t.Status, t.ExitReason, t.OpenTradeID, t.SettledBy, t.BalanceBefore,
		t.BalanceAfter, t.SignalClass, t.SignalScore, t.SignalConfidence, t.SignalReasons,
		t.OpenedAt, t.ClosedAt)
	if err != nil {
		return fmt.Errorf("upsert trade %s: %w", t.ID, err)
	}
	return nil
}

// GetTradesByAccount returns trades most recently recorded first. limit <= 0
// returns all.
func (q *AccountQueries) GetTradesByAccount(ctx context.Context, accountID string, limit int) ([]Trade, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return q.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE account_id = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, accountID, limit)
}

// GetOpenTradesByAccount returns OPEN legs oldest first.
func (q *AccountQueries) GetOpenTradesByAccount(ctx context.Context, accountID string) ([]Trade, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	return q.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE account_id = ? AND status = 'OPEN'
		ORDER BY opened_at ASC, rowid ASC
	`, accountID)
}

func (q *AccountQueries) queryTrades(ctx context.Context, query string, args ...any) ([]Trade, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &t.Side, &t.Quantity, &t.OpenQuantity, &t.EntryPrice,
			&t.ExitPrice, &t.RealizedPnL, &t.Status, &t.ExitReason, &t.OpenTradeID, &t.SettledBy,
			&t.BalanceBefore, &t.BalanceAfter, &t.SignalClass, &t.SignalScore, &t.SignalConfidence,
			&t.SignalReasons, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// Signal Queries
// ----------------------------------------

// InsertSignals appends journaled signals.
func (q *AccountQueries) InsertSignals(ctx context.Context, records []SignalRecord) error {
	for _, r := range records {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO signals (symbol, class, score, confidence, risk_level, price, sentiment, reasons, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.Symbol, r.Class, r.Score, r.Confidence, r.RiskLevel, r.Price, r.Sentiment, r.Reasons, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert signal %s: %w", r.Symbol, err)
		}
	}
	return nil
}

// GetSignalsBySymbol returns the latest journaled signals for a symbol.
func (q *AccountQueries) GetSignalsBySymbol(ctx context.Context, symbol string, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, symbol, class, score, confidence, risk_level, price, sentiment, reasons, created_at
		FROM signals
		WHERE symbol = ?
		ORDER BY id DESC
		LIMIT ?
	`, strings.ToUpper(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var r SignalRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Class, &r.Score, &r.Confidence, &r.RiskLevel,
			&r.Price, &r.Sentiment, &r.Reasons, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
