package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-trading-core/internal/indicators"
	"paper-trading-core/internal/sentiment"
)

var fixedNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newTestGenerator() *Generator {
	g := NewGenerator(nil, Options{Thresholds: DefaultThresholds(), StopLossPct: 3, TakeProfitPct: 6})
	g.now = func() time.Time { return fixedNow }
	return g
}

// neutralSet is a complete indicator set where nothing fires.
func neutralSet() indicators.IndicatorSet {
	return indicators.IndicatorSet{
		Bars:      250,
		Price:     100,
		RSI:       indicators.RSIResult{Value: 50, Valid: true},
		MACD:      indicators.MACDResult{Valid: true},
		Trend:     indicators.TrendResult{Direction: indicators.Neutral, Valid: true},
		Bollinger: indicators.BollingerResult{Position: 0.5, Width: 0.1, Valid: true},
		ATR:       indicators.ATRResult{Value: 1, Pct: 1, Valid: true},
		Volume:    indicators.VolumeResult{Ratio: 1, Valid: true},
	}
}

func TestThresholdsClassify(t *testing.T) {
	th := DefaultThresholds()
	require.NoError(t, th.Validate())
	cases := []struct {
		score int
		want  Class
	}{
		{100, StrongBuy}, {80, StrongBuy}, {79, Buy}, {60, Buy}, {59, Hold},
		{50, Hold}, {41, Hold}, {40, Sell}, {21, Sell}, {20, StrongSell}, {0, StrongSell},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, th.Classify(tc.score), "score %d", tc.score)
	}

	assert.Error(t, Thresholds{StrongBuy: 60, Buy: 70, Sell: 40, StrongSell: 20}.Validate())
	g := NewGenerator(nil, Options{Thresholds: Thresholds{}})
	assert.Equal(t, DefaultThresholds(), g.Thresholds(), "invalid thresholds fall back to defaults")
}

func TestRiskFromATR(t *testing.T) {
	assert.Equal(t, RiskHigh, RiskFromATR(indicators.ATRResult{}))
	assert.Equal(t, RiskLow, RiskFromATR(indicators.ATRResult{Pct: 1.5, Valid: true}))
	assert.Equal(t, RiskMedium, RiskFromATR(indicators.ATRResult{Pct: 3, Valid: true}))
	assert.Equal(t, RiskHigh, RiskFromATR(indicators.ATRResult{Pct: 5, Valid: true}))
	assert.Equal(t, RiskVeryHigh, RiskFromATR(indicators.ATRResult{Pct: 9, Valid: true}))
}

func TestNeutralSetHolds(t *testing.T) {
	sig := newTestGenerator().FromIndicators("btcusdt", neutralSet(), nil)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, Hold, sig.Class)
	assert.Equal(t, 50, sig.Score)
	assert.Equal(t, 0.0, sig.Confidence)
	assert.Equal(t, sentiment.Neutral, sig.Sentiment)
	assert.Nil(t, sig.Entry)
	assert.Equal(t, RiskLow, sig.Risk)
}

func TestAllBullishIsStrongBuy(t *testing.T) {
	set := neutralSet()
	set.RSI.Value = 25
	set.MACD = indicators.MACDResult{Line: 1, Signal: 0.5, Histogram: 0.5, Cross: 1, Valid: true}
	set.Trend = indicators.TrendResult{Direction: indicators.Bullish, PriceVsShortPct: 2, GoldenAlignment: 1, Valid: true}
	set.Bollinger.Position = 0.05
	set.Divergence = 1

	sig := newTestGenerator().FromIndicators("BTCUSDT", set, &sentiment.Index{Value: 15})
	assert.Equal(t, StrongBuy, sig.Class)
	assert.Equal(t, 100, sig.Score, "score is clamped")
	assert.Equal(t, 1.0, sig.Confidence)

	require.NotNil(t, sig.Entry)
	assert.Equal(t, 100.0, *sig.Entry)
	assert.InDelta(t, 97, *sig.StopLoss, 1e-9)
	assert.InDelta(t, 106, *sig.TakeProfit, 1e-9)

	// Largest contributions first.
	require.NotEmpty(t, sig.Reasons)
	assert.Equal(t, 15.0, sig.Reasons[0].Contribution)
	assert.Equal(t, 5.0, sig.Reasons[len(sig.Reasons)-1].Contribution)
}

func TestAllBearishIsStrongSell(t *testing.T) {
	set := neutralSet()
	set.RSI.Value = 80
	set.MACD = indicators.MACDResult{Histogram: -0.5, Cross: -1, Valid: true}
	set.Trend = indicators.TrendResult{Direction: indicators.Bearish, PriceVsShortPct: -3, Valid: true}
	set.Bollinger.Position = 0.95
	set.Divergence = -1

	sig := newTestGenerator().FromIndicators("ETHUSDT", set, &sentiment.Index{Value: 85})
	assert.Equal(t, StrongSell, sig.Class)
	assert.Equal(t, 0, sig.Score)
	assert.Equal(t, 1.0, sig.Confidence)
	assert.InDelta(t, 103, *sig.StopLoss, 1e-9, "short-side stop sits above entry")
	assert.InDelta(t, 94, *sig.TakeProfit, 1e-9)
}

func TestMixedSignalsConfidenceAndOrder(t *testing.T) {
	set := neutralSet()
	// +15, -7, -10 and a reason-only squeeze.
	set.RSI.Value = 25
	set.MACD = indicators.MACDResult{Histogram: -1, Valid: true}
	set.Trend = indicators.TrendResult{Direction: indicators.Bearish, Valid: true}
	set.Bollinger.Squeeze = true

	sig := newTestGenerator().FromIndicators("SOLUSDT", set, nil)
	assert.Equal(t, 48, sig.Score)
	assert.Equal(t, Hold, sig.Class)
	assert.InDelta(t, 2.0/3.0, sig.Confidence, 1e-9)

	var contribs []float64
	for _, r := range sig.Reasons {
		contribs = append(contribs, r.Contribution)
	}
	assert.Equal(t, []float64{15, -10, -7, 0}, contribs)
	assert.Contains(t, sig.ReasonTexts()[3], "squeeze")
}

func TestSentimentZones(t *testing.T) {
	cases := []struct {
		value int
		score int
	}{
		{10, 58}, {20, 58}, {30, 54}, {50, 50}, {70, 46}, {90, 42},
	}
	g := newTestGenerator()
	for _, tc := range cases {
		sig := g.FromIndicators("BTCUSDT", neutralSet(), &sentiment.Index{Value: tc.value})
		assert.Equal(t, tc.score, sig.Score, "fear & greed %d", tc.value)
	}
}

func TestNilSentimentEqualsNeutral(t *testing.T) {
	g := newTestGenerator()
	set := neutralSet()
	set.RSI.Value = 35
	a := g.FromIndicators("BTCUSDT", set, nil)
	b := g.FromIndicators("BTCUSDT", set, &sentiment.Index{Value: 50})
	assert.Equal(t, a, b)
}

func TestInsufficientHistoryHoldsIdempotently(t *testing.T) {
	g := newTestGenerator()
	bars := make([]indicators.Bar, 50)
	for i := range bars {
		bars[i] = indicators.Bar{Time: fixedNow.Add(time.Duration(i) * time.Hour), Open: 100, High: 101, Low: 99, Close: 100 - float64(i), Volume: 10}
	}

	first := g.Generate("BTCUSDT", bars, &sentiment.Index{Value: 5})
	second := g.Generate("BTCUSDT", bars, &sentiment.Index{Value: 5})
	assert.Equal(t, first, second)
	assert.Equal(t, Hold, first.Class)
	assert.Equal(t, 50, first.Score)
	assert.Equal(t, 0.0, first.Confidence)
	assert.Equal(t, []string{"insufficient history"}, first.ReasonTexts())
	assert.True(t, first.Indicators.Insufficient)
}

func TestGenerateOnFullHistory(t *testing.T) {
	bars := make([]indicators.Bar, 250)
	for i := range bars {
		c := 100 + float64(i)*0.5
		bars[i] = indicators.Bar{Time: fixedNow.Add(time.Duration(i) * time.Hour), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10}
	}
	sig := newTestGenerator().Generate("BTCUSDT", bars, nil)
	assert.False(t, sig.Indicators.Insufficient)
	assert.GreaterOrEqual(t, sig.Score, 0)
	assert.LessOrEqual(t, sig.Score, 100)
	assert.Contains(t, sig.ReasonTexts(), "RSI overbought (100.0)")
}
