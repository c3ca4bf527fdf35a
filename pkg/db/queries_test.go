package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestAccountQueriesRequireAccountID(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("GetAccount requires accountID", func(t *testing.T) {
		_, err := q.GetAccount(ctx, "")
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})

	t.Run("GetPositionsByAccount requires accountID", func(t *testing.T) {
		_, err := q.GetPositionsByAccount(ctx, "")
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})

	t.Run("GetTradesByAccount requires accountID", func(t *testing.T) {
		_, err := q.GetTradesByAccount(ctx, "", 100)
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})

	t.Run("UpsertTrade requires accountID", func(t *testing.T) {
		if err := q.UpsertTrade(ctx, Trade{ID: "t-1"}); err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})
}

func TestAccountRoundTripKeepsExactDecimals(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	if _, err := q.GetAccount(ctx, "acc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, expected ErrNotFound", err)
	}

	acc := Account{
		ID:             "acc-1",
		InitialBalance: decimal.RequireFromString("10000"),
		Cash:           decimal.RequireFromString("10500.123456789"),
		RealizedPnL:    decimal.RequireFromString("500.123456789"),
		TradesOpened:   1,
		TotalTrades:    1,
		WinningTrades:  1,
		PeakEquity:     decimal.RequireFromString("10500.123456789"),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := q.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	got, err := q.GetAccount(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !got.Cash.Equal(acc.Cash) {
		t.Fatalf("Cash=%s, expected %s", got.Cash, acc.Cash)
	}
	if got.WinningTrades != 1 || got.TotalTrades != 1 {
		t.Fatalf("counters=%d/%d, expected 1/1", got.WinningTrades, got.TotalTrades)
	}

	ids, err := q.ListAccountIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "acc-1" {
		t.Fatalf("ListAccountIDs=%v err=%v", ids, err)
	}
}

func TestPositionsAreIsolatedPerAccount(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	now := time.Now().UTC()

	pos := func(symbol string) Position {
		return Position{
			Symbol:        symbol,
			Side:          "LONG",
			Quantity:      decimal.RequireFromString("0.1"),
			AvgEntryPrice: decimal.RequireFromString("50000"),
			TotalInvested: decimal.RequireFromString("5000"),
			StopLoss:      48500,
			OpenedAt:      now,
			UpdatedAt:     now,
		}
	}
	if err := q.ReplacePositions(ctx, "acc-a", []Position{pos("BTCUSDT"), pos("ETHUSDT")}); err != nil {
		t.Fatalf("ReplacePositions a: %v", err)
	}
	if err := q.ReplacePositions(ctx, "acc-b", []Position{pos("SOLUSDT")}); err != nil {
		t.Fatalf("ReplacePositions b: %v", err)
	}

	a, err := q.GetPositionsByAccount(ctx, "acc-a")
	if err != nil {
		t.Fatalf("GetPositionsByAccount: %v", err)
	}
	if len(a) != 2 || a[0].Symbol != "BTCUSDT" {
		t.Fatalf("positions=%v, expected BTCUSDT and ETHUSDT", a)
	}

	// Replacing with a shorter set drops the missing symbol.
	if err := q.ReplacePositions(ctx, "acc-a", []Position{pos("ETHUSDT")}); err != nil {
		t.Fatalf("ReplacePositions a again: %v", err)
	}
	a, _ = q.GetPositionsByAccount(ctx, "acc-a")
	if len(a) != 1 || a[0].Symbol != "ETHUSDT" {
		t.Fatalf("positions=%v, expected only ETHUSDT", a)
	}
	b, _ := q.GetPositionsByAccount(ctx, "acc-b")
	if len(b) != 1 {
		t.Fatalf("acc-b positions=%d, expected 1", len(b))
	}
}

func TestUpsertTradeSettlesOpenLeg(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	opened := time.Now().UTC().Add(-time.Hour)

	leg := Trade{
		ID:            "open-1",
		AccountID:     "acc-1",
		Symbol:        "BTCUSDT",
		Side:          "LONG",
		Quantity:      decimal.RequireFromString("0.1"),
		OpenQuantity:  decimal.RequireFromString("0.1"),
		EntryPrice:    decimal.RequireFromString("50000"),
		Status:        "OPEN",
		BalanceBefore: decimal.RequireFromString("10000"),
		BalanceAfter:  decimal.RequireFromString("5000"),
		OpenedAt:      opened,
	}
	if err := q.UpsertTrade(ctx, leg); err != nil {
		t.Fatalf("UpsertTrade: %v", err)
	}
	open, err := q.GetOpenTradesByAccount(ctx, "acc-1")
	if err != nil || len(open) != 1 {
		t.Fatalf("open trades=%d err=%v, expected 1", len(open), err)
	}
	if open[0].ExitPrice.Valid || open[0].ClosedAt.Valid {
		t.Fatalf("open leg must have nil exit price and closed_at")
	}

	leg.OpenQuantity = decimal.Zero
	leg.Status = "CLOSED"
	leg.SettledBy = "close-1"
	leg.ExitPrice = decimal.NewNullDecimal(decimal.RequireFromString("55000"))
	leg.ClosedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	if err := q.UpsertTrade(ctx, leg); err != nil {
		t.Fatalf("UpsertTrade settle: %v", err)
	}

	open, _ = q.GetOpenTradesByAccount(ctx, "acc-1")
	if len(open) != 0 {
		t.Fatalf("open trades=%d, expected 0", len(open))
	}
	all, _ := q.GetTradesByAccount(ctx, "acc-1", 0)
	if len(all) != 1 || all[0].SettledBy != "close-1" {
		t.Fatalf("trades=%v, expected settled leg", all)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := database.WithTx(ctx, func(q *AccountQueries) error {
		if err := q.UpsertAccount(ctx, Account{ID: "acc-tx", InitialBalance: decimal.NewFromInt(1), Cash: decimal.NewFromInt(1)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, expected boom", err)
	}
	if _, err := database.Queries().GetAccount(ctx, "acc-tx"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, expected rolled back account", err)
	}
}

func TestSignalsJournal(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()
	now := time.Now().UTC()

	err := q.InsertSignals(ctx, []SignalRecord{
		{Symbol: "BTCUSDT", Class: "BUY", Score: 65, Confidence: 0.7, Reasons: `["MACD bullish cross"]`, CreatedAt: now},
		{Symbol: "BTCUSDT", Class: "HOLD", Score: 50, Reasons: `[]`, CreatedAt: now.Add(time.Minute)},
		{Symbol: "ETHUSDT", Class: "SELL", Score: 35, Reasons: `[]`, CreatedAt: now},
	})
	if err != nil {
		t.Fatalf("InsertSignals: %v", err)
	}
	got, err := q.GetSignalsBySymbol(ctx, "btcusdt", 10)
	if err != nil {
		t.Fatalf("GetSignalsBySymbol: %v", err)
	}
	if len(got) != 2 || got[0].Class != "HOLD" {
		t.Fatalf("signals=%v, expected newest HOLD first", got)
	}
}
