package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trading-core/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Fatalf("%s=%s, expected %s", msg, got, want)
	}
}

// flakyStore fails every transaction while fail is set.
type flakyStore struct {
	*MemoryStore
	fail bool
}

func (s *flakyStore) Atomically(ctx context.Context, fn func(tx Store) error) error {
	if s.fail {
		return errors.New("disk I/O error")
	}
	return s.MemoryStore.Atomically(ctx, fn)
}

func newTestLedger(t *testing.T, initial string, opts ...Option) (*Ledger, *flakyStore) {
	t.Helper()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	l, err := Open(context.Background(), "acc-1", d(initial), store, opts...)
	require.NoError(t, err)
	return l, store
}

func TestBuySellScenario(t *testing.T) {
	l, _ := newTestLedger(t, "10000")
	ctx := context.Background()

	open, err := l.Buy(ctx, "btcusdt", d("0.1"), d("50000"), &SignalContext{Class: "STRONG_BUY", Score: 90})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, open.Status)
	assert.Nil(t, open.ExitPrice)
	assert.Nil(t, open.RealizedPnL)
	assertDec(t, "5000", l.Balance().Cash, "cash after buy")

	closing, err := l.Sell(ctx, "BTCUSDT", d("0.1"), d("55000"), risk.ExitSignal)
	require.NoError(t, err)
	require.NotNil(t, closing.RealizedPnL)
	assertDec(t, "500", *closing.RealizedPnL, "pnl")
	assert.Equal(t, StatusClosed, closing.Status)
	assert.Equal(t, open.ID, closing.OpenTradeID)

	b := l.Balance()
	assertDec(t, "10500", b.Cash, "cash")
	assertDec(t, "500", b.RealizedPnL, "realized")
	assert.Equal(t, 1, b.TradesOpened)
	assert.Equal(t, 1, b.TotalTrades)
	assert.Equal(t, 1, b.Winning)
	assert.Equal(t, 100.0, b.WinRate())
	assert.Empty(t, l.Positions())

	trades, err := l.Trades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, tr := range trades {
		if tr.ID == open.ID {
			assert.Equal(t, StatusClosed, tr.Status)
			assert.Equal(t, closing.ID, tr.SettledBy)
			assert.True(t, tr.OpenQuantity.IsZero())
			assert.Nil(t, tr.RealizedPnL, "P&L lives on the closing record")
		}
	}
}

func TestAveragingInvariant(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()

	_, err := l.Buy(ctx, "ETHUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	_, err = l.Buy(ctx, "ETHUSDT", d("1"), d("200"), nil)
	require.NoError(t, err)

	p, ok := l.Position("ethusdt")
	require.True(t, ok)
	assertDec(t, "2", p.Quantity, "qty")
	assertDec(t, "150", p.AvgEntryPrice, "avg")
	assertDec(t, "300", p.TotalInvested, "invested")
	assertDec(t, "700", l.Balance().Cash, "cash")
	assert.Equal(t, 2, l.Balance().TradesOpened)
	assert.Equal(t, 0, l.Balance().TotalTrades)
}

func TestRejectedBuyLeavesStateUnchanged(t *testing.T) {
	l, _ := newTestLedger(t, "100")
	ctx := context.Background()
	before := l.Balance()

	_, err := l.Buy(ctx, "BTCUSDT", d("2"), d("60"), nil)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, IsRejection(err))

	assert.Equal(t, before, l.Balance())
	assert.Empty(t, l.Positions())
	trades, _ := l.Trades(ctx, 0)
	assert.Empty(t, trades)

	_, err = l.Buy(ctx, "BTCUSDT", d("0"), d("60"), nil)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestSellRejections(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()

	_, err := l.Sell(ctx, "SOLUSDT", d("1"), d("10"), risk.ExitSignal)
	assert.ErrorIs(t, err, ErrNoPosition)

	_, err = l.Buy(ctx, "SOLUSDT", d("1"), d("10"), nil)
	require.NoError(t, err)
	_, err = l.Sell(ctx, "SOLUSDT", d("1.5"), d("10"), risk.ExitSignal)
	assert.ErrorIs(t, err, ErrInsufficientQuantity)

	p, _ := l.Position("SOLUSDT")
	assertDec(t, "1", p.Quantity, "qty after rejected sell")
}

func TestPartialSellSettlesFIFO(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()

	first, err := l.Buy(ctx, "BTCUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	second, err := l.Buy(ctx, "BTCUSDT", d("1"), d("200"), nil)
	require.NoError(t, err)

	closing, err := l.Sell(ctx, "BTCUSDT", d("1.5"), d("160"), risk.ExitSignal)
	require.NoError(t, err)
	assertDec(t, "15", *closing.RealizedPnL, "pnl") // 240 - 1.5*150
	assert.Equal(t, first.ID, closing.OpenTradeID)

	p, ok := l.Position("BTCUSDT")
	require.True(t, ok)
	assertDec(t, "0.5", p.Quantity, "qty")
	assertDec(t, "75", p.TotalInvested, "invested")
	assertDec(t, "150", p.AvgEntryPrice, "avg")
	assertDec(t, "940", l.Balance().Cash, "cash") // 700 + 240

	require.Len(t, l.openLegs, 1)
	assert.Equal(t, second.ID, l.openLegs[0].ID)
	assertDec(t, "0.5", l.openLegs[0].OpenQuantity, "remaining leg")
	assert.Equal(t, StatusOpen, l.openLegs[0].Status)
}

func TestPersistenceFailureKeepsMemoryUnchanged(t *testing.T) {
	l, store := newTestLedger(t, "1000")
	ctx := context.Background()
	_, err := l.Buy(ctx, "BTCUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)

	before := l.Balance()
	store.fail = true
	_, err = l.Sell(ctx, "BTCUSDT", d("1"), d("120"), risk.ExitSignal)
	require.ErrorIs(t, err, ErrPersistence)
	assert.False(t, IsRejection(err))
	assert.Equal(t, before, l.Balance())
	_, ok := l.Position("BTCUSDT")
	assert.True(t, ok)

	store.fail = false
	_, err = l.Sell(ctx, "BTCUSDT", d("1"), d("120"), risk.ExitSignal)
	require.NoError(t, err)
	assertDec(t, "1020", l.Balance().Cash, "cash")
}

func TestCanceledContextStillCommits(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Buy(ctx, "BTCUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	assertDec(t, "900", l.Balance().Cash, "cash")
}

func TestReopenRestoresState(t *testing.T) {
	l, store := newTestLedger(t, "1000")
	ctx := context.Background()
	_, err := l.Buy(ctx, "BTCUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	_, err = l.Buy(ctx, "BTCUSDT", d("1"), d("110"), nil)
	require.NoError(t, err)

	again, err := Open(ctx, "acc-1", d("99999"), store)
	require.NoError(t, err)
	assertDec(t, "1000", again.Balance().Initial, "initial is not reset")
	assertDec(t, "790", again.Balance().Cash, "cash")
	require.Len(t, again.openLegs, 2)

	_, err = again.Sell(ctx, "BTCUSDT", d("2"), d("105"), risk.ExitSignal)
	require.NoError(t, err)
	assertDec(t, "0", again.Balance().RealizedPnL, "realized")
	assert.Equal(t, 1, again.Balance().Breakeven)

	ids, _ := store.ListAccounts(ctx)
	assert.Equal(t, []string{"acc-1"}, ids)
}

func TestOpenDetectsInconsistentState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	bad := Balance{AccountID: "acc-x", Cash: d("500"), Initial: d("1000")}
	require.NoError(t, store.SaveAccountState(ctx, bad, nil))

	_, err := Open(ctx, "acc-x", d("1000"), store)
	require.ErrorIs(t, err, ErrInconsistentState)

	bad = Balance{AccountID: "acc-y", Cash: d("1000"), Initial: d("1000"), TotalTrades: 2, Winning: 1}
	require.NoError(t, store.SaveAccountState(ctx, bad, nil))
	_, err = Open(ctx, "acc-y", d("1000"), store)
	require.ErrorIs(t, err, ErrInconsistentState)
}

func TestShortPosition(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()

	_, err := l.Short(ctx, "ETHUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	assertDec(t, "900", l.Balance().Cash, "margin posted")

	_, err = l.Buy(ctx, "ETHUSDT", d("1"), d("100"), nil)
	assert.ErrorIs(t, err, ErrSideMismatch)

	closing, err := l.Close(ctx, "ETHUSDT", d("80"), risk.ExitTakeProfit)
	require.NoError(t, err)
	assertDec(t, "20", *closing.RealizedPnL, "short pnl")
	assert.Equal(t, StatusTakeProfit, closing.Status)
	assertDec(t, "1020", l.Balance().Cash, "cash")
}

func TestShortLossCappedAtMargin(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()
	_, err := l.Short(ctx, "ETHUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)

	closing, err := l.Close(ctx, "ETHUSDT", d("250"), risk.ExitStopLoss)
	require.NoError(t, err)
	assertDec(t, "-100", *closing.RealizedPnL, "capped loss")
	assertDec(t, "900", l.Balance().Cash, "cash never negative")
	assert.Equal(t, StatusStoppedOut, closing.Status)
}

func TestCountersAndDrawdown(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()

	_, err := l.Buy(ctx, "BTCUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	_, err = l.Sell(ctx, "BTCUSDT", d("1"), d("200"), risk.ExitSignal)
	require.NoError(t, err)
	_, err = l.Buy(ctx, "BTCUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	_, err = l.Sell(ctx, "BTCUSDT", d("1"), d("45"), risk.ExitStopLoss)
	require.NoError(t, err)

	b := l.Balance()
	assert.Equal(t, 2, b.TotalTrades)
	assert.Equal(t, 1, b.Winning)
	assert.Equal(t, 1, b.Losing)
	assertDec(t, "100", b.LargestWin, "largest win")
	assertDec(t, "-55", b.LargestLoss, "largest loss")
	assertDec(t, "1100", b.PeakEquity, "peak")
	assertDec(t, "0.05", b.MaxDrawdown, "drawdown")
	assertDec(t, "1045", b.Equity(), "equity")
}

func TestProtectionLevels(t *testing.T) {
	riskMgr := risk.NewManager(risk.Config{StopLossPct: 3, TakeProfitPct: 6, TrailingStopPct: 2})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l, store := newTestLedger(t, "1000", WithProtection(riskMgr.Open), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := l.Buy(ctx, "BTCUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	p, _ := l.Position("BTCUSDT")
	assert.InDelta(t, 97, p.Protection.StopLoss, 1e-9)
	assert.InDelta(t, 106, p.Protection.TakeProfit, 1e-9)
	assert.Equal(t, now, p.OpenedAt)

	next, _ := riskMgr.Evaluate(risk.Long, p.Protection, 104)
	require.NoError(t, l.SetProtection(ctx, "BTCUSDT", next))

	st, err := store.LoadAccountState(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, st.Positions, 1)
	assert.InDelta(t, 104, st.Positions[0].Protection.Extreme, 1e-9)

	assert.ErrorIs(t, l.SetProtection(ctx, "ETHUSDT", next), ErrNoPosition)
}

func TestSettledLegsCarryExitStatus(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	ctx := context.Background()

	first, err := l.Buy(ctx, "BTCUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	second, err := l.Buy(ctx, "BTCUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)

	closing, err := l.Close(ctx, "BTCUSDT", d("97"), risk.ExitStopLoss)
	require.NoError(t, err)
	assert.Equal(t, StatusStoppedOut, closing.Status)

	trades, err := l.Trades(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	for _, tr := range trades {
		if tr.ID != first.ID && tr.ID != second.ID {
			continue
		}
		assert.Equal(t, StatusStoppedOut, tr.Status, "leg %s", tr.ID)
		assert.Equal(t, risk.ExitStopLoss, tr.ExitReason)
		assert.Equal(t, closing.ID, tr.SettledBy)
		require.NotNil(t, tr.ExitPrice)
		assertDec(t, "97", *tr.ExitPrice, "leg exit")
	}

	_, err = l.Buy(ctx, "ETHUSDT", d("1"), d("100"), nil)
	require.NoError(t, err)
	_, err = l.Close(ctx, "ETHUSDT", d("106"), risk.ExitTakeProfit)
	require.NoError(t, err)
	trades, err = l.Trades(ctx, 0)
	require.NoError(t, err)
	for _, tr := range trades {
		if tr.Symbol == "ETHUSDT" {
			assert.Equal(t, StatusTakeProfit, tr.Status)
		}
	}
}

func TestConcurrentTradesAreAtomic(t *testing.T) {
	l, store := newTestLedger(t, "10000")
	ctx := context.Background()
	_, err := l.Buy(ctx, "SOLUSDT", d("10"), d("100"), nil)
	require.NoError(t, err)

	const buys, sells, readers = 20, 10, 8
	errs := make(chan error, buys+sells)
	var wg sync.WaitGroup
	for i := 0; i < buys; i++ {
		price := d("90")
		if i%2 == 1 {
			price = d("110")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Buy(ctx, "BTCUSDT", d("1"), price, nil)
			errs <- err
		}()
	}
	for i := 0; i < sells; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Sell(ctx, "SOLUSDT", d("1"), d("110"), risk.ExitSignal)
			errs <- err
		}()
	}
	stop := make(chan struct{})
	var readerWG sync.WaitGroup
	for i := 0; i < readers; i++ {
		readerWG.Add(1)
		go func() {
			defer readerWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if id := l.AccountID(); id != "acc-1" {
					t.Errorf("account id=%q, expected acc-1", id)
					return
				}
				if _, err := l.Trades(ctx, 5); err != nil {
					t.Errorf("trades: %v", err)
					return
				}
				if b := l.Balance(); b.Cash.IsNegative() {
					t.Errorf("negative cash %s observed", b.Cash)
					return
				}
				_ = l.Positions()
			}
		}()
	}
	wg.Wait()
	close(stop)
	readerWG.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	b := l.Balance()
	assertDec(t, "8100", b.Cash, "cash") // 9000 - 2000 + 10*110
	assertDec(t, "100", b.RealizedPnL, "realized")
	assert.Equal(t, sells, b.TotalTrades)
	assert.Equal(t, sells, b.Winning)
	assert.Equal(t, buys+1, b.TradesOpened)

	_, open := l.Position("SOLUSDT")
	assert.False(t, open)
	p, ok := l.Position("BTCUSDT")
	require.True(t, ok)
	assertDec(t, "20", p.Quantity, "qty")
	assertDec(t, "100", p.AvgEntryPrice, "avg")
	assertDec(t, "2000", p.TotalInvested, "invested")

	trades, err := l.Trades(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 1+buys+sells)

	// the persisted state passes the same checks a restart runs
	again, err := Open(ctx, "acc-1", d("10000"), store)
	require.NoError(t, err)
	assert.Equal(t, b.Cash.String(), again.Balance().Cash.String())
}
