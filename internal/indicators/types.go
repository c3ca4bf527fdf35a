package indicators

import "time"

// Bar is one OHLCV candle. Series are ordered by ascending Time.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Direction is the EMA trend classification.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
	Neutral Direction = "neutral"
)

// BandZone classifies the close inside the Bollinger envelope.
type BandZone string

const (
	BelowLower BandZone = "below_lower"
	NearLower  BandZone = "near_lower"
	Middle     BandZone = "middle"
	NearUpper  BandZone = "near_upper"
	AboveUpper BandZone = "above_upper"
)

// Names used in IndicatorSet.Missing.
const (
	NameRSI       = "rsi"
	NameMACD      = "macd"
	NameEMAShort  = "ema50"
	NameEMALong   = "ema200"
	NameBollinger = "bollinger"
	NameATR       = "atr"
	NameVolume    = "volume"
)

type RSIResult struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

type MACDResult struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	// Cross is +1 when the line crossed above the signal on the last bar,
	// -1 when it crossed below, 0 otherwise.
	Cross int  `json:"cross"`
	Valid bool `json:"valid"`
}

// Bias is the side of the signal line the MACD line sits on.
func (m MACDResult) Bias() int {
	switch {
	case m.Histogram > 0:
		return 1
	case m.Histogram < 0:
		return -1
	}
	return 0
}

type TrendResult struct {
	EMAShort        float64   `json:"ema_short"`
	EMALong         float64   `json:"ema_long"`
	PriceVsShortPct float64   `json:"price_vs_short_pct"`
	PriceVsLongPct  float64   `json:"price_vs_long_pct"`
	Direction       Direction `json:"direction"`
	GoldenAlignment int       `json:"golden_alignment"` // +1 short above long, -1 below
	Valid           bool      `json:"valid"`
}

type BollingerResult struct {
	Upper    float64  `json:"upper"`
	Middle   float64  `json:"middle"`
	Lower    float64  `json:"lower"`
	Position float64  `json:"position"` // 0 at lower band, 1 at upper band
	Width    float64  `json:"width"`    // (upper-lower)/middle
	Zone     BandZone `json:"zone"`
	Squeeze  bool     `json:"squeeze"`
	Valid    bool     `json:"valid"`
}

type ATRResult struct {
	Value float64 `json:"value"`
	Pct   float64 `json:"pct"` // ATR as percent of the last close
	Valid bool    `json:"valid"`
}

type VolumeResult struct {
	Ratio float64 `json:"ratio"` // last volume vs the period average
	OBV   float64 `json:"obv"`
	Valid bool    `json:"valid"`
}

// IndicatorSet is the result of one Compute call. Only sub-results with
// Valid set carry meaningful values.
type IndicatorSet struct {
	Bars         int      `json:"bars"`
	Price        float64  `json:"price"`
	Insufficient bool     `json:"insufficient"`
	Missing      []string `json:"missing,omitempty"`

	RSI        RSIResult       `json:"rsi"`
	MACD       MACDResult      `json:"macd"`
	Trend      TrendResult     `json:"trend"`
	Bollinger  BollingerResult `json:"bollinger"`
	ATR        ATRResult       `json:"atr"`
	Volume     VolumeResult    `json:"volume"`
	Divergence int             `json:"divergence"` // +1 bullish, -1 bearish, 0 none
}
