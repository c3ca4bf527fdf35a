package indicators

// Params holds indicator lookbacks.
type Params struct {
	RSIPeriod          int
	MACDFast           int
	MACDSlow           int
	MACDSignal         int
	EMAShort           int
	EMALong            int
	BBPeriod           int
	BBStdDev           float64
	SqueezeWidth       float64
	ATRPeriod          int
	VolumePeriod       int
	DivergenceLookback int
}

// DefaultParams returns the classic settings: RSI 14, MACD 12/26/9,
// EMA 50/200, Bollinger 20/2, ATR 14.
func DefaultParams() Params {
	return Params{
		RSIPeriod:          14,
		MACDFast:           12,
		MACDSlow:           26,
		MACDSignal:         9,
		EMAShort:           50,
		EMALong:            200,
		BBPeriod:           20,
		BBStdDev:           2,
		SqueezeWidth:       0.03,
		ATRPeriod:          14,
		VolumePeriod:       20,
		DivergenceLookback: 14,
	}
}

// Engine computes indicator sets from OHLCV series. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	params Params
}

// NewEngine builds an indicator engine; zero-valued params fall back to defaults.
func NewEngine(p Params) *Engine {
	def := DefaultParams()
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = def.RSIPeriod
	}
	if p.MACDFast <= 0 || p.MACDSlow <= p.MACDFast || p.MACDSignal <= 0 {
		p.MACDFast, p.MACDSlow, p.MACDSignal = def.MACDFast, def.MACDSlow, def.MACDSignal
	}
	if p.EMAShort <= 0 || p.EMALong <= p.EMAShort {
		p.EMAShort, p.EMALong = def.EMAShort, def.EMALong
	}
	if p.BBPeriod <= 0 {
		p.BBPeriod = def.BBPeriod
	}
	if p.BBStdDev <= 0 {
		p.BBStdDev = def.BBStdDev
	}
	if p.SqueezeWidth <= 0 {
		p.SqueezeWidth = def.SqueezeWidth
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = def.ATRPeriod
	}
	if p.VolumePeriod <= 0 {
		p.VolumePeriod = def.VolumePeriod
	}
	if p.DivergenceLookback <= 0 {
		p.DivergenceLookback = def.DivergenceLookback
	}
	return &Engine{params: p}
}

// Params returns the effective parameters.
func (e *Engine) Params() Params { return e.params }

// LongestLookback is the number of bars needed for a complete IndicatorSet.
func (e *Engine) LongestLookback() int {
	p := e.params
	n := p.EMALong
	for _, v := range []int{
		p.RSIPeriod + 1,
		p.MACDSlow + p.MACDSignal - 1,
		p.BBPeriod,
		p.ATRPeriod + 1,
		p.VolumePeriod,
	} {
		if v > n {
			n = v
		}
	}
	return n
}

// Compute derives every indicator whose lookback the series satisfies.
// With fewer than LongestLookback bars the result is flagged Insufficient
// and Missing lists the indicators that could not be computed.
func (e *Engine) Compute(bars []Bar) IndicatorSet {
	p := e.params
	set := IndicatorSet{Bars: len(bars)}
	if len(bars) == 0 {
		set.Insufficient = true
		set.Missing = []string{NameRSI, NameMACD, NameEMAShort, NameEMALong, NameBollinger, NameATR, NameVolume}
		return set
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	price := closes[len(closes)-1]
	set.Price = price

	if rs := RSISeries(closes, p.RSIPeriod); len(rs) > 0 {
		set.RSI = RSIResult{Value: rs[len(rs)-1], Valid: true}
		set.Divergence = Divergence(closes, rs, p.DivergenceLookback)
	} else {
		set.Missing = append(set.Missing, NameRSI)
	}

	if set.MACD = MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal); !set.MACD.Valid {
		set.Missing = append(set.Missing, NameMACD)
	}

	set.Trend = e.trend(closes, &set.Missing)

	if set.Bollinger = Bollinger(closes, p.BBPeriod, p.BBStdDev, p.SqueezeWidth); !set.Bollinger.Valid {
		set.Missing = append(set.Missing, NameBollinger)
	}
	if set.ATR = ATR(bars, p.ATRPeriod); !set.ATR.Valid {
		set.Missing = append(set.Missing, NameATR)
	}
	if set.Volume = Volume(bars, p.VolumePeriod); !set.Volume.Valid {
		set.Missing = append(set.Missing, NameVolume)
	}

	set.Insufficient = len(bars) < e.LongestLookback() || len(set.Missing) > 0
	return set
}

func (e *Engine) trend(closes []float64, missing *[]string) TrendResult {
	p := e.params
	var res TrendResult
	haveShort := len(closes) >= p.EMAShort
	haveLong := len(closes) >= p.EMALong
	if !haveShort {
		*missing = append(*missing, NameEMAShort)
	}
	if !haveLong {
		*missing = append(*missing, NameEMALong)
	}
	if !haveShort || !haveLong {
		return res
	}

	price := closes[len(closes)-1]
	res.EMAShort = EMA(closes, p.EMAShort)
	res.EMALong = EMA(closes, p.EMALong)
	if res.EMAShort != 0 {
		res.PriceVsShortPct = (price - res.EMAShort) / res.EMAShort * 100
	}
	if res.EMALong != 0 {
		res.PriceVsLongPct = (price - res.EMALong) / res.EMALong * 100
	}
	switch {
	case res.EMAShort > res.EMALong:
		res.GoldenAlignment = 1
	case res.EMAShort < res.EMALong:
		res.GoldenAlignment = -1
	}
	switch {
	case price > res.EMAShort && res.EMAShort > res.EMALong:
		res.Direction = Bullish
	case price < res.EMAShort && res.EMAShort < res.EMALong:
		res.Direction = Bearish
	default:
		res.Direction = Neutral
	}
	res.Valid = true
	return res
}
