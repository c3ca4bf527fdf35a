package indicators

// crossEpsilon treats histogram values this close to zero as flat, so
// rounding noise on steady trends is not read as a cross.
const crossEpsilon = 1e-9

// MACD computes the MACD line (fast EMA - slow EMA), its signal EMA and the
// histogram for the last bar, plus a crossing flag against the previous bar.
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	if fast <= 0 || slow <= fast || signal <= 0 || len(closes) < slow+signal-1 {
		return MACDResult{}
	}
	fastEMA := EMASeries(closes, fast)
	slowEMA := EMASeries(closes, slow)

	// Align the fast series to the slow one (both end at the last close).
	offset := len(fastEMA) - len(slowEMA)
	line := make([]float64, len(slowEMA))
	for i := range slowEMA {
		line[i] = fastEMA[i+offset] - slowEMA[i]
	}
	sig := EMASeries(line, signal)
	if len(sig) == 0 {
		return MACDResult{}
	}

	lastLine := line[len(line)-1]
	lastSig := sig[len(sig)-1]
	res := MACDResult{
		Line:      lastLine,
		Signal:    lastSig,
		Histogram: lastLine - lastSig,
		Valid:     true,
	}
	if len(sig) >= 2 {
		prev := histSign(line[len(line)-2] - sig[len(sig)-2])
		cur := histSign(res.Histogram)
		switch {
		case prev <= 0 && cur > 0:
			res.Cross = 1
		case prev >= 0 && cur < 0:
			res.Cross = -1
		}
	}
	return res
}

func histSign(v float64) int {
	switch {
	case v > crossEpsilon:
		return 1
	case v < -crossEpsilon:
		return -1
	}
	return 0
}
