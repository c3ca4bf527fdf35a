package indicators

// Volume reports the last bar's volume against the period average and the
// on-balance volume over the whole series.
func Volume(bars []Bar, period int) VolumeResult {
	if period <= 0 || len(bars) < period {
		return VolumeResult{}
	}
	vols := make([]float64, len(bars))
	for i, b := range bars {
		vols[i] = b.Volume
	}
	res := VolumeResult{Ratio: 1, Valid: true}
	if avg := SMA(vols, period); avg != 0 {
		res.Ratio = vols[len(vols)-1] / avg
	}
	res.OBV = OBV(bars)
	return res
}

// OBV accumulates volume on up closes and subtracts it on down closes.
func OBV(bars []Bar) float64 {
	obv := 0.0
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Close > bars[i-1].Close:
			obv += bars[i].Volume
		case bars[i].Close < bars[i-1].Close:
			obv -= bars[i].Volume
		}
	}
	return obv
}
