package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paper-trading-core/internal/indicators"
	"paper-trading-core/pkg/market/binance"
)

// ErrDataUnavailable marks a market or sentiment fetch that failed, timed
// out, or returned nothing usable. Callers skip the affected work for the cycle.
var ErrDataUnavailable = errors.New("market data unavailable")

// Feed supplies candles and last prices.
type Feed interface {
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]indicators.Bar, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// BinanceFeed serves public Binance spot market data.
type BinanceFeed struct {
	Client *binance.Client
}

// NewBinanceFeed builds a feed over the REST client.
func NewBinanceFeed(client *binance.Client) *BinanceFeed {
	return &BinanceFeed{Client: client}
}

func (f *BinanceFeed) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]indicators.Bar, error) {
	klines, err := f.Client.GetKlines(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: klines %s: %v", ErrDataUnavailable, symbol, err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%w: no klines for %s", ErrDataUnavailable, symbol)
	}
	return BarsFromKlines(klines), nil
}

func (f *BinanceFeed) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	t, err := f.Client.GetTickerPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: ticker %s: %v", ErrDataUnavailable, symbol, err)
	}
	return t.Price, nil
}

// timeoutFeed bounds every call and maps deadline errors to ErrDataUnavailable.
type timeoutFeed struct {
	inner   Feed
	timeout time.Duration
}

// WithTimeout wraps a feed so each call is bounded by d.
func WithTimeout(f Feed, d time.Duration) Feed {
	if d <= 0 {
		return f
	}
	return &timeoutFeed{inner: f, timeout: d}
}

func (t *timeoutFeed) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]indicators.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	bars, err := t.inner.GetOHLCV(ctx, symbol, timeframe, limit)
	return bars, mapErr(err, "ohlcv "+symbol)
}

func (t *timeoutFeed) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	p, err := t.inner.GetCurrentPrice(ctx, symbol)
	if err == nil && p <= 0 {
		err = fmt.Errorf("%w: non-positive price %v for %s", ErrDataUnavailable, p, symbol)
	}
	return p, mapErr(err, "price "+symbol)
}

func mapErr(err error, what string) error {
	if err == nil || errors.Is(err, ErrDataUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out", ErrDataUnavailable, what)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrDataUnavailable, what, err)
}

// NormalizeSymbol upper-cases and trims a trading pair.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
