package db

import (
	"database/sql"
	"fmt"
)

// Money columns are TEXT holding exact decimal strings.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    initial_balance TEXT NOT NULL,
    cash TEXT NOT NULL,
    realized_pnl TEXT NOT NULL DEFAULT '0',
    trades_opened INTEGER NOT NULL DEFAULT 0,
    total_trades INTEGER NOT NULL DEFAULT 0,
    winning_trades INTEGER NOT NULL DEFAULT 0,
    losing_trades INTEGER NOT NULL DEFAULT 0,
    breakeven_trades INTEGER NOT NULL DEFAULT 0,
    largest_win TEXT NOT NULL DEFAULT '0',
    largest_loss TEXT NOT NULL DEFAULT '0',
    peak_equity TEXT NOT NULL DEFAULT '0',
    max_drawdown TEXT NOT NULL DEFAULT '0',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS positions (
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity TEXT NOT NULL,
    avg_entry_price TEXT NOT NULL,
    total_invested TEXT NOT NULL,
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    trailing_pct REAL DEFAULT 0,
    trailing_level REAL DEFAULT 0,
    extreme_price REAL DEFAULT 0,
    opened_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (account_id, symbol),
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity TEXT NOT NULL,
    open_quantity TEXT NOT NULL DEFAULT '0',
    entry_price TEXT NOT NULL,
    exit_price TEXT,
    realized_pnl TEXT,
    status TEXT NOT NULL,
    exit_reason TEXT NOT NULL DEFAULT '',
    open_trade_id TEXT NOT NULL DEFAULT '',
    settled_by TEXT NOT NULL DEFAULT '',
    balance_before TEXT NOT NULL,
    balance_after TEXT NOT NULL,
    signal_class TEXT NOT NULL DEFAULT '',
    signal_score INTEGER NOT NULL DEFAULT 0,
    signal_confidence REAL NOT NULL DEFAULT 0,
    signal_reasons TEXT NOT NULL DEFAULT '',
    opened_at DATETIME NOT NULL,
    closed_at DATETIME,
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE INDEX IF NOT EXISTS idx_trades_account_opened ON trades(account_id, opened_at);

CREATE TABLE IF NOT EXISTS signals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    class TEXT NOT NULL,
    score INTEGER NOT NULL,
    confidence REAL NOT NULL,
    risk_level TEXT NOT NULL DEFAULT '',
    price REAL NOT NULL DEFAULT 0,
    sentiment INTEGER NOT NULL DEFAULT 50,
    reasons TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_signals_symbol_created ON signals(symbol, created_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "accounts", "breakeven_trades", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "accounts", "trades_opened", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "positions", "trailing_level", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "settled_by", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "signals", "risk_level", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
