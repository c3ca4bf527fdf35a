package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"paper-trading-core/internal/events"
	"paper-trading-core/internal/ledger"
	"paper-trading-core/internal/notify"
	"paper-trading-core/internal/risk"
	"paper-trading-core/internal/signal"
	"paper-trading-core/pkg/config"
)

// qtyPlaces is the quantity precision of paper orders.
const qtyPlaces = 8

// Start opens the account and starts the scheduler. The first cycle runs
// immediately.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.RLock()
	running, done := l.running, l.done
	l.mu.RUnlock()
	if running {
		return ErrAlreadyRunning
	}
	if done != nil {
		<-done // previous run after a halt
	}

	if _, err := l.deps.Registry.GetOrCreate(ctx, l.opts.AccountID); err != nil {
		return fmt.Errorf("open account %s: %w", l.opts.AccountID, err)
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runDone := make(chan struct{})
	l.cancel = cancel
	l.done = runDone
	l.running = true
	l.haltErr = nil
	l.mu.Unlock()

	l.setState(StateIdle, "Started")
	l.record(ActivityInfo, "", "Trading loop started")
	l.log.Info().
		Strs("symbols", l.opts.Symbols).
		Dur("interval", l.opts.Interval).
		Msg("🚀 Trading loop started")

	go l.work(runCtx, runDone)
	go l.schedule(runCtx)
	return nil
}

// Stop cancels the loop and waits for the worker to exit. A ledger mutation
// already in progress completes first.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	l.setState(StateStopped, "Stopped")
	l.record(ActivityInfo, "", "Trading loop stopped")
	l.log.Info().Msg("🛑 Trading loop stopped")
}

// Refresh requests an immediate cycle. It returns false when the loop is
// not running, a cycle is in progress, or one is already queued.
func (l *Loop) Refresh() bool {
	l.mu.RLock()
	running := l.running
	l.mu.RUnlock()
	if !running {
		return false
	}
	return l.enqueue()
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Status{
		Running:    l.running,
		State:      l.state,
		LastAction: l.lastAction,
		AccountID:  l.opts.AccountID,
		Symbols:    append([]string(nil), l.opts.Symbols...),
		Interval:   l.opts.Interval.String(),
		TradeLog:   l.activity.recent(0),
	}
	if l.haltErr != nil {
		st.Error = l.haltErr.Error()
	}
	if !l.lastCycleAt.IsZero() {
		at := l.lastCycleAt
		st.LastCycleAt = &at
	}
	return st
}

func (l *Loop) schedule(ctx context.Context) {
	l.enqueue()
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.enqueue()
		}
	}
}

// enqueue offers a trigger to the one-slot queue. A trigger arriving while
// a cycle runs or one is queued is dropped.
func (l *Loop) enqueue() bool {
	if l.cycling.Load() {
		l.deps.Metrics.TriggerSkipped()
		return false
	}
	select {
	case l.trigger <- struct{}{}:
		return true
	default:
		l.deps.Metrics.TriggerSkipped()
		return false
	}
}

func (l *Loop) work(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.trigger:
			l.runCycle(ctx)
		}
	}
}

// runCycle executes Analyzing, Deciding and Executing once.
func (l *Loop) runCycle(ctx context.Context) {
	if !l.cycling.CompareAndSwap(false, true) {
		return
	}
	defer l.cycling.Store(false)
	defer func() {
		if r := recover(); r != nil {
			l.deps.Metrics.Error()
			l.log.Error().Interface("panic", r).Msg("❌ panic in trading cycle")
			l.record(ActivityError, "", fmt.Sprintf("cycle panic: %v", r))
			l.setState(StateWaiting, fmt.Sprintf("Error: %v", r))
		}
	}()

	start := l.now()
	settings := l.Settings()

	led, err := l.deps.Registry.GetOrCreate(ctx, l.opts.AccountID)
	if err != nil {
		l.fail(err)
		return
	}

	l.setState(StateAnalyzing, "Analyzing open positions")
	degraded, err := l.analyze(ctx, led)
	if err != nil {
		l.fail(err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	l.setState(StateDeciding, fmt.Sprintf("Generating signals for %d symbols", len(l.opts.Symbols)))
	sells, buys := l.decide(ctx, led, settings, degraded)
	if ctx.Err() != nil {
		return
	}

	l.setState(StateExecuting, fmt.Sprintf("Executing %d sells, %d buys", len(sells), len(buys)))
	feedDown, err := l.execute(ctx, led, settings, sells, buys)
	if err != nil {
		l.fail(err)
		return
	}
	degraded = degraded || feedDown
	if ctx.Err() != nil {
		return
	}

	l.deps.Metrics.CycleDone(start, degraded)
	l.mu.Lock()
	l.lastCycleAt = l.now()
	l.mu.Unlock()
	l.setState(StateWaiting, fmt.Sprintf("Waiting: next check in %s", l.opts.Interval))
}

// analyze prices every open position and executes triggered exits. It
// reports whether the feed was degraded and returns only halting errors.
func (l *Loop) analyze(ctx context.Context, led *ledger.Ledger) (bool, error) {
	degraded := false
	for _, pos := range led.Positions() {
		if ctx.Err() != nil {
			return degraded, nil
		}
		price, live, ok := l.currentPrice(ctx, pos.Symbol)
		if !live {
			degraded = true
		}
		if !ok {
			l.skip(pos.Symbol, "no fresh price, exit check skipped")
			continue
		}

		next, exit := l.deps.Risk.Evaluate(pos.Side, pos.Protection, price)
		if exit == nil {
			if next != pos.Protection {
				if err := l.mutate(func() error { return led.SetProtection(ctx, pos.Symbol, next) }); err != nil {
					if halting(err) {
						return degraded, err
					}
					l.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("failed to update protection levels")
				}
			}
			continue
		}

		l.deps.Metrics.ExitTriggered()
		msg := fmt.Sprintf("%s hit at %.4f (level %.4f)", exit.Reason, exit.Price, exit.Level)
		l.log.Warn().Str("symbol", pos.Symbol).Str("reason", string(exit.Reason)).
			Float64("price", exit.Price).Float64("level", exit.Level).Msg("🛑 Exit triggered")
		l.emit(events.EventExitTriggered, pos.Symbol, msg, map[string]any{
			"reason": exit.Reason, "price": exit.Price, "level": exit.Level,
		})

		var trade ledger.Trade
		err := l.mutate(func() error {
			var err error
			trade, err = led.Close(ctx, pos.Symbol, decimal.NewFromFloat(price), exit.Reason)
			return err
		})
		if err != nil {
			if halting(err) {
				return degraded, err
			}
			l.skip(pos.Symbol, fmt.Sprintf("exit failed: %v", err))
			continue
		}
		l.record(ActivityExit, pos.Symbol, msg)
		l.afterClose(led, trade)
	}
	return degraded, nil
}

// decide generates signals for every tracked symbol through a bounded pool
// and turns them into sell and buy candidates.
func (l *Loop) decide(ctx context.Context, led *ledger.Ledger, settings config.TradingSettings, degraded bool) ([]Candidate, []Candidate) {
	idx := l.sentimentIndex(ctx)
	source := l.signalSource()
	results := make([]*signal.Signal, len(l.opts.Symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)
	for i, symbol := range l.opts.Symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			defer l.recoverSymbol(symbol)
			if gctx.Err() != nil {
				return nil
			}
			start := l.now()
			bars, err := l.deps.Feed.GetOHLCV(gctx, symbol, l.opts.Timeframe, l.opts.CandleLimit)
			l.deps.Metrics.FeedLatency.Since(start)
			if err != nil {
				l.log.Warn().Err(err).Str("symbol", symbol).Msg("candles unavailable, symbol skipped")
				return nil
			}
			sigStart := l.now()
			sig := source.Generate(symbol, bars, idx)
			l.deps.Metrics.SignalLatency.Since(sigStart)
			l.deps.Metrics.SignalGenerated()
			results[i] = &sig

			if l.deps.Journal != nil {
				l.deps.Journal.Record(sig)
			}
			l.emit(events.EventSignal, symbol, fmt.Sprintf("%s score %d", sig.Class, sig.Score), map[string]any{
				"class": sig.Class, "score": sig.Score, "confidence": sig.Confidence, "reasons": sig.ReasonTexts(),
			})
			return nil
		})
	}
	_ = g.Wait()

	var sells, buys []Candidate
	for _, sig := range results {
		if sig == nil {
			continue
		}
		pos, open := led.Position(sig.Symbol)
		switch {
		case open && pos.Side == risk.Long && sig.Class == signal.StrongSell:
			sells = append(sells, Candidate{Symbol: sig.Symbol, Side: "SELL", Signal: *sig})
		case !open && sig.Class == signal.StrongBuy:
			if sig.Score < settings.MinSignalScore {
				continue
			}
			if sig.Confidence < settings.MinConfidence {
				l.skip(sig.Symbol, fmt.Sprintf("confidence %.2f below %.2f", sig.Confidence, settings.MinConfidence))
				continue
			}
			if degraded {
				l.skip(sig.Symbol, "price feed degraded, no new entries this cycle")
				continue
			}
			buys = append(buys, Candidate{Symbol: sig.Symbol, Side: "BUY", Signal: *sig})
		}
	}

	sort.Slice(buys, func(i, j int) bool {
		a, b := buys[i].Signal, buys[j].Signal
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Symbol < b.Symbol
	})
	return sells, buys
}

// execute runs sells first, then buys in ranking order. Rejected
// candidates are logged and not retried this cycle. It reports whether the
// feed failed while pricing; entries are never placed on a cached price.
func (l *Loop) execute(ctx context.Context, led *ledger.Ledger, settings config.TradingSettings, sells, buys []Candidate) (bool, error) {
	degraded := false
	for _, c := range sells {
		if ctx.Err() != nil {
			return degraded, nil
		}
		price, live, ok := l.currentPrice(ctx, c.Symbol)
		if !live {
			degraded = true
		}
		if !ok {
			l.skip(c.Symbol, "no fresh price for signal exit")
			continue
		}
		var trade ledger.Trade
		err := l.mutate(func() error {
			var err error
			trade, err = led.Close(ctx, c.Symbol, decimal.NewFromFloat(price), risk.ExitSignal)
			return err
		})
		if err != nil {
			if halting(err) {
				return degraded, err
			}
			l.skip(c.Symbol, fmt.Sprintf("sell rejected: %v", err))
			continue
		}
		l.afterClose(led, trade)
	}

	pct := decimal.NewFromFloat(settings.TradePercentage)
	minNotional := decimal.NewFromFloat(settings.MinNotional)
	for _, c := range buys {
		if ctx.Err() != nil {
			return degraded, nil
		}
		if n := len(led.Positions()); n >= settings.MaxPositions {
			l.skip(c.Symbol, fmt.Sprintf("max positions reached (%d)", n))
			continue
		}
		if ok, reason := l.deps.Risk.CanOpen(l.now()); !ok {
			l.skip(c.Symbol, reason)
			continue
		}

		notional := led.Balance().Cash.Mul(pct).Div(decimal.NewFromInt(100))
		if notional.LessThan(minNotional) {
			l.skip(c.Symbol, fmt.Sprintf("score %d: notional %s below minimum %s", c.Signal.Score, notional.StringFixed(2), minNotional.StringFixed(2)))
			continue
		}
		p, live, _ := l.currentPrice(ctx, c.Symbol)
		if !live {
			degraded = true
			l.skip(c.Symbol, "price feed degraded, no new entries this cycle")
			continue
		}
		price := decimal.NewFromFloat(p)
		qty := notional.Div(price).Truncate(qtyPlaces)
		if !qty.IsPositive() {
			l.skip(c.Symbol, "order quantity rounds to zero")
			continue
		}

		sig := c.Signal
		var trade ledger.Trade
		err := l.mutate(func() error {
			var err error
			trade, err = led.Buy(ctx, c.Symbol, qty, price, &ledger.SignalContext{
				Class:      string(sig.Class),
				Score:      sig.Score,
				Confidence: sig.Confidence,
				Reasons:    sig.ReasonTexts(),
			})
			return err
		})
		if err != nil {
			if halting(err) {
				return degraded, err
			}
			l.skip(c.Symbol, fmt.Sprintf("buy rejected: %v", err))
			continue
		}
		l.afterOpen(led, trade)
	}
	return degraded, nil
}

// currentPrice asks the feed first and falls back to a cached price within
// the freshness window. live is false when the feed call failed.
func (l *Loop) currentPrice(ctx context.Context, symbol string) (price float64, live, ok bool) {
	start := l.now()
	p, err := l.deps.Feed.GetCurrentPrice(ctx, symbol)
	l.deps.Metrics.FeedLatency.Since(start)
	if err == nil && p > 0 {
		if l.deps.Prices != nil {
			if perr := l.deps.Prices.Put(ctx, symbol, p, l.now()); perr != nil {
				l.log.Debug().Err(perr).Str("symbol", symbol).Msg("price cache write failed")
			}
		}
		return p, true, true
	}
	l.log.Warn().Err(err).Str("symbol", symbol).Msg("current price unavailable")
	if l.deps.Prices != nil {
		if cached, fresh := l.deps.Prices.Fresh(ctx, symbol, l.opts.PriceFreshness); fresh {
			return cached, false, true
		}
	}
	return 0, false, false
}

// mutate times a ledger call.
func (l *Loop) mutate(fn func() error) error {
	start := l.now()
	err := fn()
	l.deps.Metrics.LedgerLatency.Since(start)
	return err
}

func (l *Loop) afterOpen(led *ledger.Ledger, trade ledger.Trade) {
	l.deps.Metrics.TradeOpened()
	msg := fmt.Sprintf("%s %s %s @ %s", trade.Side, trade.Symbol, trade.Quantity.String(), trade.EntryPrice.StringFixed(2))
	l.record(ActivityBuy, trade.Symbol, msg)
	l.emitFor(led.AccountID(), events.EventTradeOpened, trade.Symbol, msg, map[string]any{
		"trade_id": trade.ID, "side": trade.Side, "quantity": trade.Quantity.String(),
		"price": trade.EntryPrice.String(), "cash": trade.BalanceAfter.String(),
	})
}

func (l *Loop) afterClose(led *ledger.Ledger, trade ledger.Trade) {
	l.deps.Metrics.TradeClosed()
	pnl := decimal.Zero
	if trade.RealizedPnL != nil {
		pnl = *trade.RealizedPnL
	}
	if led.AccountID() == l.opts.AccountID {
		at := l.now()
		if trade.ClosedAt != nil {
			at = *trade.ClosedAt
		}
		l.deps.Risk.RecordClose(pnl.InexactFloat64(), led.Balance().Equity().InexactFloat64(), at)
	}

	exit := ""
	if trade.ExitPrice != nil {
		exit = trade.ExitPrice.StringFixed(2)
	}
	msg := fmt.Sprintf("SELL %s %s @ %s P&L %s (%s)", trade.Symbol, trade.Quantity.String(), exit, pnl.StringFixed(2), trade.ExitReason)
	l.record(ActivitySell, trade.Symbol, msg)
	l.emitFor(led.AccountID(), events.EventTradeClosed, trade.Symbol, msg, map[string]any{
		"trade_id": trade.ID, "reason": trade.ExitReason, "quantity": trade.Quantity.String(),
		"price": exit, "pnl": pnl.String(), "cash": trade.BalanceAfter.String(),
	})
}

// fail halts the loop on ledger faults and otherwise records the error and
// waits for the next tick.
func (l *Loop) fail(err error) {
	l.deps.Metrics.Error()
	l.record(ActivityError, "", err.Error())
	if !halting(err) {
		l.log.Error().Err(err).Msg("❌ trading cycle failed")
		l.setState(StateWaiting, "Error: "+err.Error())
		return
	}

	l.log.Error().Err(err).Msg("❌ ledger fault, halting trading loop")
	// Reload from the store on the next start.
	l.deps.Registry.Remove(l.opts.AccountID)
	l.emit(events.EventLoopHalted, "", "Trading loop halted: "+err.Error(), nil)

	l.mu.Lock()
	l.running = false
	l.haltErr = err
	l.state = StateStopped
	l.lastAction = "Error: " + err.Error()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func halting(err error) bool {
	return errors.Is(err, ledger.ErrInconsistentState) || errors.Is(err, ledger.ErrPersistence)
}

func (l *Loop) skip(symbol, reason string) {
	l.deps.Metrics.CandidateSkipped()
	l.log.Info().Str("symbol", symbol).Str("reason", reason).Msg("⏭️ Candidate skipped")
	l.record(ActivitySkip, symbol, reason)
	l.emit(events.EventCandidateSkipped, symbol, reason, nil)
}

func (l *Loop) recoverSymbol(symbol string) {
	if r := recover(); r != nil {
		l.deps.Metrics.Error()
		l.log.Error().Interface("panic", r).Str("symbol", symbol).Msg("❌ panic generating signal")
	}
}

func (l *Loop) setState(s State, action string) {
	l.mu.Lock()
	if !l.running && s != StateStopped && l.state == StateStopped {
		// A halted loop stays stopped until restarted.
		l.mu.Unlock()
		return
	}
	l.state = s
	l.lastAction = action
	l.mu.Unlock()
	l.emit(events.EventLoopState, "", action, map[string]any{"state": s})
}

func (l *Loop) record(kind ActivityKind, symbol, msg string) {
	l.activity.add(Activity{At: l.now().UTC(), Kind: kind, Symbol: symbol, Message: msg})
}

func (l *Loop) emit(typ events.Event, symbol, msg string, data map[string]any) {
	l.emitFor(l.opts.AccountID, typ, symbol, msg, data)
}

func (l *Loop) emitFor(account string, typ events.Event, symbol, msg string, data map[string]any) {
	if err := l.deps.Notifier.Notify(context.Background(), notify.NewEvent(typ, account, symbol, msg, data)); err != nil {
		l.log.Debug().Err(err).Str("type", string(typ)).Msg("notification failed")
	}
}
