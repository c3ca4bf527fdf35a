package indicators

// RSISeries computes Wilder-smoothed RSI aligned to the end of values.
// It needs period+1 values; the first element uses the simple average of
// the first period changes as its seed.
func RSISeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period+1 {
		return nil
	}

	gain := 0.0
	loss := 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	out := make([]float64, 0, len(values)-period)
	out = append(out, rsiFromAverages(avgGain, avgLoss))
	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if change > 0 {
			g = change
		} else {
			l = -change
		}
		avgGain = (avgGain*(p-1) + g) / p
		avgLoss = (avgLoss*(p-1) + l) / p
		out = append(out, rsiFromAverages(avgGain, avgLoss))
	}
	return out
}

// RSI returns the latest Wilder RSI, or 0 when there is not enough data.
func RSI(values []float64, period int) float64 {
	s := RSISeries(values, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50 // flat series
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// Divergence compares the last close and RSI with their values lookback
// bars ago: +1 when price fell while RSI rose, -1 when price rose while RSI
// fell, 0 otherwise or when there is not enough history.
func Divergence(closes, rsi []float64, lookback int) int {
	if lookback <= 0 || len(closes) < lookback*2 || len(rsi) < lookback {
		return 0
	}
	priceNow := closes[len(closes)-1]
	priceThen := closes[len(closes)-lookback]
	rsiNow := rsi[len(rsi)-1]
	rsiThen := rsi[len(rsi)-lookback]

	switch {
	case priceNow < priceThen && rsiNow > rsiThen:
		return 1
	case priceNow > priceThen && rsiNow < rsiThen:
		return -1
	}
	return 0
}
