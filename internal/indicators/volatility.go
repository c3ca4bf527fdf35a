package indicators

import "math"

// Bollinger computes SMA(period) ± mult·σ bands over closes, where σ is the
// population standard deviation.
func Bollinger(closes []float64, period int, mult, squeezeWidth float64) BollingerResult {
	if period <= 0 || len(closes) < period {
		return BollingerResult{}
	}
	middle := SMA(closes, period)
	sd := StdDev(closes, period)
	upper := middle + mult*sd
	lower := middle - mult*sd
	price := closes[len(closes)-1]

	res := BollingerResult{Upper: upper, Middle: middle, Lower: lower, Valid: true}
	bandRange := upper - lower
	if bandRange == 0 {
		res.Position = 0.5
	} else {
		res.Position = math.Max(0, math.Min(1, (price-lower)/bandRange))
	}
	if middle != 0 {
		res.Width = bandRange / middle
	}
	res.Squeeze = res.Width < squeezeWidth

	switch {
	case price < lower:
		res.Zone = BelowLower
	case price > upper:
		res.Zone = AboveUpper
	case res.Position <= 0.2:
		res.Zone = NearLower
	case res.Position >= 0.8:
		res.Zone = NearUpper
	default:
		res.Zone = Middle
	}
	return res
}

// ATR computes Wilder's average true range. It needs period+1 bars.
func ATR(bars []Bar, period int) ATRResult {
	if period <= 0 || len(bars) < period+1 {
		return ATRResult{}
	}
	trueRange := func(i int) float64 {
		h, l, pc := bars[i].High, bars[i].Low, bars[i-1].Close
		return math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(i)
	}
	atr := sum / float64(period)
	p := float64(period)
	for i := period + 1; i < len(bars); i++ {
		atr = (atr*(p-1) + trueRange(i)) / p
	}

	res := ATRResult{Value: atr, Valid: true}
	if last := bars[len(bars)-1].Close; last > 0 {
		res.Pct = atr / last * 100
	}
	return res
}
