package market

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"paper-trading-core/internal/events"
	"paper-trading-core/pkg/market/binance"
)

// TickerSource is the streaming side of the exchange client.
type TickerSource interface {
	SubscribeMiniTickers(ctx context.Context, symbols []string) (<-chan binance.Ticker, func(), error)
}

// PriceStreamer keeps the price store warm between cycles from the live
// mini-ticker stream and republishes ticks on the bus.
type PriceStreamer struct {
	Source  TickerSource
	Store   PriceStore
	Bus     *events.Bus
	Symbols []string
}

// Run streams until ctx ends, reconnecting with backoff when the
// connection drops.
func (s *PriceStreamer) Run(ctx context.Context) {
	logger := log.With().Str("component", "market").Logger()
	if s.Source == nil || s.Store == nil || len(s.Symbols) == 0 {
		logger.Info().Msg("price stream not configured; skipping")
		return
	}

	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for ctx.Err() == nil {
		ch, stop, err := s.Source.SubscribeMiniTickers(ctx, s.Symbols)
		if err != nil {
			wait := b.Duration()
			logger.Warn().Err(err).Dur("retry_in", wait).Msg("price stream subscribe failed")
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		b.Reset()
		s.consume(ctx, ch)
		stop()
		if ctx.Err() == nil {
			wait := b.Duration()
			logger.Warn().Dur("retry_in", wait).Msg("price stream dropped; reconnecting")
			if !sleepCtx(ctx, wait) {
				return
			}
		}
	}
}

func (s *PriceStreamer) consume(ctx context.Context, ch <-chan binance.Ticker) {
	for t := range ch {
		at := time.UnixMilli(t.Time)
		if err := s.Store.Put(ctx, t.Symbol, t.Price, at); err != nil {
			log.Debug().Err(err).Str("symbol", t.Symbol).Msg("price store put failed")
		}
		if s.Bus != nil {
			s.Bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: t.Symbol, Price: t.Price, Time: at})
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
