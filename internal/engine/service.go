// Package engine runs the autonomous paper-trading loop and exposes it to
// the control layer. The API layer only talks to the loop through Service.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"paper-trading-core/internal/indicators"
	"paper-trading-core/internal/ledger"
	"paper-trading-core/internal/market"
	"paper-trading-core/internal/monitor"
	"paper-trading-core/internal/notify"
	"paper-trading-core/internal/risk"
	"paper-trading-core/internal/sentiment"
	"paper-trading-core/internal/signal"
	"paper-trading-core/pkg/config"
	"paper-trading-core/pkg/db"
	"paper-trading-core/pkg/logger"
)

// Service is the control surface of the trading loop.
type Service interface {
	// Loop control
	Start(ctx context.Context) error
	Stop()
	Refresh() bool
	Status() Status

	// Settings
	Settings() config.TradingSettings
	UpdateSettings(u config.SettingsUpdate) (config.TradingSettings, error)

	// Account queries; an empty account id means the loop's account.
	Balance(ctx context.Context, accountID string) (ledger.Balance, error)
	Positions(ctx context.Context, accountID string) ([]PositionView, error)
	Trades(ctx context.Context, accountID string, limit int) ([]ledger.Trade, error)
	Accounts(ctx context.Context) ([]string, error)
	ManualTrade(ctx context.Context, order ManualOrder) (ledger.Trade, error)

	// Signals
	Analyze(ctx context.Context, symbol string) (signal.Signal, error)
	Signals(ctx context.Context, symbol string, limit int) ([]db.SignalRecord, error)

	Metrics() Metrics
}

// SignalSource scores a symbol from its candles.
type SignalSource interface {
	Generate(symbol string, bars []indicators.Bar, idx *sentiment.Index) signal.Signal
}

// SignalJournal records generated signals.
type SignalJournal interface {
	Record(sig signal.Signal)
	Recent(ctx context.Context, symbol string, limit int) ([]db.SignalRecord, error)
}

// AccountLister enumerates persisted accounts.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]string, error)
}

// Deps are the loop's collaborators. Feed, Registry, Signals and Risk are
// required; the rest are optional.
type Deps struct {
	Registry  *ledger.Registry
	Accounts  AccountLister
	Feed      market.Feed
	Prices    market.PriceStore
	Sentiment sentiment.Source
	Signals   SignalSource
	Risk      *risk.Manager
	Journal   SignalJournal
	Notifier  notify.Notifier
	Metrics   *monitor.LoopMetrics
}

// Options configure the loop.
type Options struct {
	AccountID       string
	Symbols         []string
	Timeframe       string
	CandleLimit     int
	Interval        time.Duration
	Workers         int
	PriceFreshness  time.Duration
	ActivityLogSize int
	Settings        config.TradingSettings
}

// Loop is the single-account trading loop. It implements Service.
type Loop struct {
	deps Deps
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	mu          sync.RWMutex
	settings    config.TradingSettings
	signals     SignalSource
	state       State
	lastAction  string
	running     bool
	haltErr     error
	lastCycleAt time.Time
	cancel      context.CancelFunc
	done        chan struct{}

	trigger  chan struct{}
	cycling  atomic.Bool
	activity *activityLog
}

var _ Service = (*Loop)(nil)

// NewLoop builds an idle loop.
func NewLoop(deps Deps, opts Options) *Loop {
	if opts.AccountID == "" {
		opts.AccountID = "default"
	}
	if opts.Timeframe == "" {
		opts.Timeframe = "1h"
	}
	if opts.CandleLimit <= 0 {
		opts.CandleLimit = 250
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PriceFreshness <= 0 {
		opts.PriceFreshness = 2 * time.Minute
	}
	syms := make([]string, 0, len(opts.Symbols))
	for _, s := range opts.Symbols {
		syms = append(syms, market.NormalizeSymbol(s))
	}
	opts.Symbols = syms

	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewLoopMetrics()
	}

	return &Loop{
		deps:       deps,
		opts:       opts,
		log:        logger.Component("engine").With().Str("account", opts.AccountID).Logger(),
		now:        time.Now,
		settings:   opts.Settings,
		signals:    deps.Signals,
		state:      StateIdle,
		lastAction: "Idle",
		trigger:    make(chan struct{}, 1),
		activity:   newActivityLog(opts.ActivityLogSize),
	}
}

// --- Settings ---

func (l *Loop) Settings() config.TradingSettings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// UpdateSettings validates and applies a partial update. Open positions keep
// their protection levels; new entries use the new percentages.
func (l *Loop) UpdateSettings(u config.SettingsUpdate) (config.TradingSettings, error) {
	l.mu.Lock()
	next, err := u.Apply(l.settings)
	if err != nil {
		l.mu.Unlock()
		return l.Settings(), err
	}
	l.settings = next
	if g, ok := l.signals.(*signal.Generator); ok {
		l.signals = g.WithRiskHints(next.StopLossPct, next.TakeProfitPct)
	}
	l.mu.Unlock()

	l.deps.Risk.UpdateConfig(risk.FromSettings(next))
	l.record(ActivityInfo, "", "Settings updated")
	l.log.Info().
		Int("min_signal_score", next.MinSignalScore).
		Float64("trade_percentage", next.TradePercentage).
		Int("max_positions", next.MaxPositions).
		Msg("Trading settings updated")
	return next, nil
}

// --- Account queries ---

func (l *Loop) ledgerFor(ctx context.Context, accountID string) (*ledger.Ledger, error) {
	if accountID == "" {
		accountID = l.opts.AccountID
	}
	return l.deps.Registry.GetOrCreate(ctx, accountID)
}

func (l *Loop) Balance(ctx context.Context, accountID string) (ledger.Balance, error) {
	led, err := l.ledgerFor(ctx, accountID)
	if err != nil {
		return ledger.Balance{}, err
	}
	return led.Balance(), nil
}

// Positions values open positions at the last known fresh price.
func (l *Loop) Positions(ctx context.Context, accountID string) ([]PositionView, error) {
	led, err := l.ledgerFor(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions := led.Positions()
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		view := PositionView{Position: p}
		if l.deps.Prices != nil {
			if price, ok := l.deps.Prices.Fresh(ctx, p.Symbol, l.opts.PriceFreshness); ok {
				pnl := p.UnrealizedPnL(decimal.NewFromFloat(price))
				view.CurrentPrice = &price
				view.UnrealizedPnL = &pnl
			}
		}
		out = append(out, view)
	}
	return out, nil
}

func (l *Loop) Trades(ctx context.Context, accountID string, limit int) ([]ledger.Trade, error) {
	led, err := l.ledgerFor(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return led.Trades(ctx, limit)
}

// Accounts lists persisted and open accounts.
func (l *Loop) Accounts(ctx context.Context) ([]string, error) {
	seen := map[string]bool{l.opts.AccountID: true}
	for _, id := range l.deps.Registry.AccountIDs() {
		seen[id] = true
	}
	if l.deps.Accounts != nil {
		ids, err := l.deps.Accounts.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		for _, id := range ids {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ManualTrade places an operator trade through the same ledger as the loop.
func (l *Loop) ManualTrade(ctx context.Context, order ManualOrder) (ledger.Trade, error) {
	symbol := market.NormalizeSymbol(order.Symbol)
	led, err := l.ledgerFor(ctx, order.AccountID)
	if err != nil {
		return ledger.Trade{}, err
	}

	var price decimal.Decimal
	if order.Price != nil {
		price = *order.Price
	} else {
		p, err := l.deps.Feed.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return ledger.Trade{}, err
		}
		price = decimal.NewFromFloat(p)
	}

	var trade ledger.Trade
	switch strings.ToUpper(order.Side) {
	case "BUY":
		trade, err = led.Buy(ctx, symbol, order.Quantity, price, nil)
	case "SHORT":
		trade, err = led.Short(ctx, symbol, order.Quantity, price, nil)
	case "SELL":
		trade, err = led.Sell(ctx, symbol, order.Quantity, price, risk.ExitManual)
	case "CLOSE":
		trade, err = led.Close(ctx, symbol, price, risk.ExitManual)
	default:
		return ledger.Trade{}, fmt.Errorf("%w: unknown side %q", ledger.ErrInvalidOrder, order.Side)
	}
	if err != nil {
		return ledger.Trade{}, err
	}

	if trade.IsClosing() {
		l.afterClose(led, trade)
	} else {
		l.afterOpen(led, trade)
	}
	return trade, nil
}

// --- Signals ---

// Analyze produces a one-off signal for symbol.
func (l *Loop) Analyze(ctx context.Context, symbol string) (signal.Signal, error) {
	symbol = market.NormalizeSymbol(symbol)
	bars, err := l.deps.Feed.GetOHLCV(ctx, symbol, l.opts.Timeframe, l.opts.CandleLimit)
	if err != nil {
		return signal.Signal{}, err
	}
	return l.signalSource().Generate(symbol, bars, l.sentimentIndex(ctx)), nil
}

// Signals returns journaled signals for symbol, newest first.
func (l *Loop) Signals(ctx context.Context, symbol string, limit int) ([]db.SignalRecord, error) {
	if l.deps.Journal == nil {
		return []db.SignalRecord{}, nil
	}
	return l.deps.Journal.Recent(ctx, market.NormalizeSymbol(symbol), limit)
}

func (l *Loop) Metrics() Metrics {
	l.deps.Metrics.SetAccountCount(l.deps.Registry.AccountCount())
	return Metrics{
		Loop:  l.deps.Metrics.GetSnapshot(),
		Risk:  l.deps.Risk.GetMetrics(),
		State: l.Status().State,
	}
}

func (l *Loop) signalSource() SignalSource {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.signals
}

// sentimentIndex fetches the index once; failures count as neutral.
func (l *Loop) sentimentIndex(ctx context.Context) *sentiment.Index {
	if l.deps.Sentiment == nil {
		return nil
	}
	idx, err := l.deps.Sentiment.GetSentimentIndex(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("sentiment unavailable, using neutral")
		return nil
	}
	return &idx
}
