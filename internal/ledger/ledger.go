package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"paper-trading-core/internal/risk"
	"paper-trading-core/pkg/logger"
)

// investedTolerance bounds rounding drift between qty*avg and total invested.
var investedTolerance = decimal.New(1, -6)

// ProtectionFunc computes protection levels for a position entered at price.
type ProtectionFunc func(side risk.Side, entry float64) risk.Levels

// Option customizes a Ledger.
type Option func(*Ledger)

// WithProtection sets the levels attached to new and merged positions.
func WithProtection(fn ProtectionFunc) Option {
	return func(l *Ledger) { l.protect = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger holds one account. All mutators serialize on the account lock and
// persist before changing memory.
type Ledger struct {
	accountID string // immutable after Open

	mu        sync.Mutex
	store     Store
	balance   Balance
	positions map[string]Position
	openLegs  []Trade // OPEN legs with remaining quantity, oldest first

	protect ProtectionFunc
	now     func() time.Time
	log     zerolog.Logger
}

// Open loads accountID from store, creating it with initial cash when it
// does not exist, and verifies the loaded state.
func Open(ctx context.Context, accountID string, initial decimal.Decimal, store Store, opts ...Option) (*Ledger, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidOrder)
	}
	l := &Ledger{
		accountID: accountID,
		store:     store,
		positions: make(map[string]Position),
		now:       time.Now,
		log:       logger.Component("ledger").With().Str("account", accountID).Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	st, err := store.LoadAccountState(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: load account %s: %v", ErrPersistence, accountID, err)
	}

	if !st.Found {
		if !initial.IsPositive() {
			return nil, fmt.Errorf("%w: initial balance must be positive", ErrInvalidOrder)
		}
		st.Balance = Balance{
			AccountID:  accountID,
			Cash:       initial,
			Initial:    initial,
			PeakEquity: initial,
			UpdatedAt:  l.now().UTC(),
		}
		dctx := context.WithoutCancel(ctx)
		if err := store.Atomically(dctx, func(tx Store) error {
			return tx.SaveAccountState(dctx, st.Balance, nil)
		}); err != nil {
			return nil, fmt.Errorf("%w: create account %s: %v", ErrPersistence, accountID, err)
		}
		l.log.Info().Str("initial", initial.String()).Msg("💰 Paper account created")
	}

	l.balance = st.Balance
	for _, p := range st.Positions {
		l.positions[p.Symbol] = p
	}
	l.openLegs = st.OpenTrades

	if err := l.verify(l.balance, l.positions, l.openLegs); err != nil {
		return nil, err
	}
	return l, nil
}

// AccountID returns the account this ledger holds.
func (l *Ledger) AccountID() string { return l.accountID }

// Balance returns a snapshot of the account balance.
func (l *Ledger) Balance() Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Positions returns open positions sorted by symbol.
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the open position for symbol.
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[strings.ToUpper(symbol)]
	return p, ok
}

// Trades returns recorded trades newest first.
func (l *Ledger) Trades(ctx context.Context, limit int) ([]Trade, error) {
	trades, err := l.store.ListTrades(ctx, l.AccountID(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list trades: %v", ErrPersistence, err)
	}
	return trades, nil
}

// Buy opens or adds to a LONG position.
func (l *Ledger) Buy(ctx context.Context, symbol string, qty, price decimal.Decimal, sig *SignalContext) (Trade, error) {
	return l.open(ctx, risk.Long, symbol, qty, price, sig)
}

// Short opens or adds to a paper SHORT position. The notional is posted as
// margin from cash.
func (l *Ledger) Short(ctx context.Context, symbol string, qty, price decimal.Decimal, sig *SignalContext) (Trade, error) {
	return l.open(ctx, risk.Short, symbol, qty, price, sig)
}

func (l *Ledger) open(ctx context.Context, side risk.Side, symbol string, qty, price decimal.Decimal, sig *SignalContext) (Trade, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || !qty.IsPositive() || !price.IsPositive() {
		return Trade{}, fmt.Errorf("%w: %s qty=%s price=%s", ErrInvalidOrder, symbol, qty, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, has := l.positions[symbol]
	if has && existing.Side != side {
		return Trade{}, fmt.Errorf("%w: %s is %s", ErrSideMismatch, symbol, existing.Side)
	}

	cost := qty.Mul(price)
	if cost.GreaterThan(l.balance.Cash) {
		return Trade{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, cost.StringFixed(2), l.balance.Cash.StringFixed(2))
	}

	now := l.now().UTC()
	nextBalance := l.balance
	nextBalance.Cash = l.balance.Cash.Sub(cost)
	nextBalance.TradesOpened++
	nextBalance.UpdatedAt = now

	pos := Position{Symbol: symbol, Side: side, OpenedAt: now}
	if has {
		pos = existing
	}
	pos.Quantity = pos.Quantity.Add(qty)
	pos.TotalInvested = pos.TotalInvested.Add(cost)
	pos.AvgEntryPrice = pos.TotalInvested.Div(pos.Quantity)
	pos.UpdatedAt = now
	if l.protect != nil {
		avg, _ := pos.AvgEntryPrice.Float64()
		lv := l.protect(side, avg)
		if has {
			lv.Extreme = mergeExtreme(side, existing.Protection.Extreme, lv.Extreme)
		}
		pos.Protection = lv
	}

	trade := Trade{
		ID:            uuid.NewString(),
		AccountID:     l.accountID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		OpenQuantity:  qty,
		EntryPrice:    price,
		Status:        StatusOpen,
		BalanceBefore: l.balance.Cash,
		BalanceAfter:  nextBalance.Cash,
		Signal:        sig,
		OpenedAt:      now,
	}

	nextPositions := l.clonePositions()
	nextPositions[symbol] = pos
	nextLegs := append(append([]Trade(nil), l.openLegs...), trade)

	if err := l.commit(ctx, nextBalance, nextPositions, nextLegs, trade); err != nil {
		return Trade{}, err
	}

	l.log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Str("cash", nextBalance.Cash.StringFixed(2)).
		Msg("💰 Position opened")
	return trade, nil
}

// Sell reduces or closes the position in symbol at price. For a SHORT this
// buys back. The realized P&L is recorded on one closing trade.
func (l *Ledger) Sell(ctx context.Context, symbol string, qty, price decimal.Decimal, reason risk.ExitReason) (Trade, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !qty.IsPositive() || !price.IsPositive() {
		return Trade{}, fmt.Errorf("%w: %s qty=%s price=%s", ErrInvalidOrder, symbol, qty, price)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if qty.GreaterThan(pos.Quantity) {
		return Trade{}, fmt.Errorf("%w: %s has %s, requested %s", ErrInsufficientQuantity, symbol, pos.Quantity, qty)
	}
	if reason == "" {
		reason = risk.ExitSignal
	}

	full := qty.Equal(pos.Quantity)
	released := pos.TotalInvested
	if !full {
		released = qty.Mul(pos.AvgEntryPrice)
	}
	value := qty.Mul(price)
	pnl := value.Sub(released)
	if pos.Side == risk.Short {
		// Losses are capped at the posted margin.
		pnl = decimal.Max(released.Sub(value), released.Neg())
	}
	credit := released.Add(pnl)

	now := l.now().UTC()
	nextBalance := l.balance
	nextBalance.Cash = l.balance.Cash.Add(credit)
	nextBalance.RealizedPnL = l.balance.RealizedPnL.Add(pnl)
	nextBalance.TotalTrades++
	switch pnl.Sign() {
	case 1:
		nextBalance.Winning++
		if pnl.GreaterThan(nextBalance.LargestWin) {
			nextBalance.LargestWin = pnl
		}
	case -1:
		nextBalance.Losing++
		if pnl.LessThan(nextBalance.LargestLoss) {
			nextBalance.LargestLoss = pnl
		}
	default:
		nextBalance.Breakeven++
	}
	equity := nextBalance.Equity()
	if equity.GreaterThan(nextBalance.PeakEquity) {
		nextBalance.PeakEquity = equity
	}
	if nextBalance.PeakEquity.IsPositive() {
		dd := nextBalance.PeakEquity.Sub(equity).Div(nextBalance.PeakEquity)
		if dd.GreaterThan(nextBalance.MaxDrawdown) {
			nextBalance.MaxDrawdown = dd
		}
	}
	nextBalance.UpdatedAt = now

	exitPrice := price
	closing := Trade{
		ID:            uuid.NewString(),
		AccountID:     l.accountID,
		Symbol:        symbol,
		Side:          pos.Side,
		Quantity:      qty,
		EntryPrice:    pos.AvgEntryPrice,
		ExitPrice:     &exitPrice,
		RealizedPnL:   &pnl,
		Status:        statusFor(reason),
		ExitReason:    reason,
		BalanceBefore: l.balance.Cash,
		BalanceAfter:  nextBalance.Cash,
		OpenedAt:      pos.OpenedAt,
		ClosedAt:      &now,
	}

	nextLegs, settled := settleFIFO(l.openLegs, symbol, qty, closing.ID, price, reason, now)
	if len(settled) > 0 {
		closing.OpenTradeID = settled[0].ID
	}

	nextPositions := l.clonePositions()
	if full {
		delete(nextPositions, symbol)
	} else {
		pos.Quantity = pos.Quantity.Sub(qty)
		pos.TotalInvested = pos.TotalInvested.Sub(released)
		pos.UpdatedAt = now
		nextPositions[symbol] = pos
	}

	if err := l.commit(ctx, nextBalance, nextPositions, nextLegs, append([]Trade{closing}, settled...)...); err != nil {
		return Trade{}, err
	}

	icon := "💵"
	if closing.Status == StatusStoppedOut {
		icon = "🛑"
	}
	l.log.Info().
		Str("symbol", symbol).
		Str("reason", string(reason)).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Str("pnl", pnl.StringFixed(2)).
		Str("cash", nextBalance.Cash.StringFixed(2)).
		Msg(icon + " Position closed")
	return closing, nil
}

// Close sells the whole position in symbol.
func (l *Ledger) Close(ctx context.Context, symbol string, price decimal.Decimal, reason risk.ExitReason) (Trade, error) {
	pos, ok := l.Position(symbol)
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, strings.ToUpper(symbol))
	}
	return l.Sell(ctx, symbol, pos.Quantity, price, reason)
}

// SetProtection replaces the protection levels of an open position.
func (l *Ledger) SetProtection(ctx context.Context, symbol string, lv risk.Levels) error {
	symbol = strings.ToUpper(symbol)

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if pos.Protection == lv {
		return nil
	}
	pos.Protection = lv
	pos.UpdatedAt = l.now().UTC()

	nextPositions := l.clonePositions()
	nextPositions[symbol] = pos
	return l.commit(ctx, l.balance, nextPositions, l.openLegs)
}

// commit verifies and persists the next state in one transaction, then
// swaps it in. Callers hold mu. The store call ignores ctx cancellation so a
// started mutation always completes or fails as a whole.
func (l *Ledger) commit(ctx context.Context, b Balance, positions map[string]Position, legs []Trade, trades ...Trade) error {
	if err := l.verify(b, positions, legs); err != nil {
		l.log.Error().Err(err).Msg("refusing to persist inconsistent state")
		return err
	}

	list := make([]Position, 0, len(positions))
	for _, p := range positions {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Symbol < list[j].Symbol })

	dctx := context.WithoutCancel(ctx)
	err := l.store.Atomically(dctx, func(tx Store) error {
		for _, t := range trades {
			if err := tx.AppendTrade(dctx, t); err != nil {
				return err
			}
		}
		return tx.SaveAccountState(dctx, b, list)
	})
	if err != nil {
		l.log.Error().Err(err).Msg("ledger commit failed")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	l.balance = b
	l.positions = positions
	l.openLegs = legs
	return nil
}

// verify checks the accounting identities. It returns ErrInconsistentState
// describing the first violation.
func (l *Ledger) verify(b Balance, positions map[string]Position, legs []Trade) error {
	if b.Cash.IsNegative() {
		return fmt.Errorf("%w: negative cash %s", ErrInconsistentState, b.Cash)
	}
	if b.TotalTrades != b.Winning+b.Losing+b.Breakeven {
		return fmt.Errorf("%w: total trades %d != %d wins + %d losses + %d breakeven",
			ErrInconsistentState, b.TotalTrades, b.Winning, b.Losing, b.Breakeven)
	}

	invested := decimal.Zero
	for sym, p := range positions {
		if !p.Quantity.IsPositive() {
			return fmt.Errorf("%w: %s quantity %s", ErrInconsistentState, sym, p.Quantity)
		}
		if p.Quantity.Mul(p.AvgEntryPrice).Sub(p.TotalInvested).Abs().GreaterThan(investedTolerance) {
			return fmt.Errorf("%w: %s qty*avg %s != invested %s", ErrInconsistentState, sym,
				p.Quantity.Mul(p.AvgEntryPrice), p.TotalInvested)
		}
		invested = invested.Add(p.TotalInvested)
	}
	if !invested.Add(b.Cash).Equal(b.Equity()) {
		return fmt.Errorf("%w: invested %s + cash %s != initial %s + realized %s",
			ErrInconsistentState, invested, b.Cash, b.Initial, b.RealizedPnL)
	}

	open := make(map[string]decimal.Decimal)
	for _, t := range legs {
		open[t.Symbol] = open[t.Symbol].Add(t.OpenQuantity)
	}
	for sym, p := range positions {
		if q, ok := open[sym]; ok && !q.Equal(p.Quantity) {
			return fmt.Errorf("%w: %s open legs %s != position %s", ErrInconsistentState, sym, q, p.Quantity)
		}
	}
	return nil
}

func (l *Ledger) clonePositions() map[string]Position {
	out := make(map[string]Position, len(l.positions)+1)
	for k, v := range l.positions {
		out[k] = v
	}
	return out
}

// settleFIFO consumes qty of symbol's open legs oldest first. It returns the
// remaining legs and the legs it touched, updated. Fully settled legs take
// the status of the exit that settled them.
func settleFIFO(legs []Trade, symbol string, qty decimal.Decimal, closingID string, price decimal.Decimal, reason risk.ExitReason, at time.Time) ([]Trade, []Trade) {
	remaining := qty
	var kept, settled []Trade
	for _, leg := range legs {
		if leg.Symbol != symbol || !remaining.IsPositive() {
			kept = append(kept, leg)
			continue
		}
		take := decimal.Min(remaining, leg.OpenQuantity)
		remaining = remaining.Sub(take)
		leg.OpenQuantity = leg.OpenQuantity.Sub(take)
		leg.SettledBy = closingID
		if leg.OpenQuantity.IsZero() {
			exit := price
			closedAt := at
			leg.Status = statusFor(reason)
			leg.ExitReason = reason
			leg.ExitPrice = &exit
			leg.ClosedAt = &closedAt
			settled = append(settled, leg)
			continue
		}
		settled = append(settled, leg)
		kept = append(kept, leg)
	}
	return kept, settled
}

func mergeExtreme(side risk.Side, prev, next float64) float64 {
	if prev <= 0 {
		return next
	}
	if side == risk.Short {
		if prev < next {
			return prev
		}
		return next
	}
	if prev > next {
		return prev
	}
	return next
}
