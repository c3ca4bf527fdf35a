package market

import (
	"time"

	"paper-trading-core/internal/indicators"
	"paper-trading-core/pkg/market/binance"
)

// BarsFromKlines converts exchange klines to indicator bars. Rows with a
// non-positive close are ignored, and a row is kept only when its open time
// is after the last kept bar, so the result is strictly ascending.
func BarsFromKlines(klines []binance.Kline) []indicators.Bar {
	bars := make([]indicators.Bar, 0, len(klines))
	var last int64
	for _, k := range klines {
		if k.Close <= 0 || (len(bars) > 0 && k.OpenTime <= last) {
			continue
		}
		last = k.OpenTime
		bars = append(bars, indicators.Bar{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   k.Open,
			High:   k.High,
			Low:    k.Low,
			Close:  k.Close,
			Volume: k.Volume,
		})
	}
	return bars
}
