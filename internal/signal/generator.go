// Package signal turns indicator sets and market sentiment into scored
// trade signals.
package signal

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"paper-trading-core/internal/indicators"
	"paper-trading-core/internal/sentiment"
)

// Sub-score weights in points around the neutral 50.
const (
	weightRSIExtreme    = 15.0
	weightRSIMild       = 5.0
	weightMACDCross     = 15.0
	weightMACDBias      = 7.0
	weightTrend         = 10.0
	weightBollinger     = 10.0
	weightDivergence    = 5.0
	weightSentimentHigh = 8.0
	weightSentimentLow  = 4.0
)

const insufficientReason = "insufficient history"

// Options configures a Generator.
type Options struct {
	Thresholds    Thresholds
	StopLossPct   float64 // for suggested stop-loss hints
	TakeProfitPct float64 // for suggested take-profit hints
}

// Generator scores symbols. It is stateless apart from its configuration
// and safe for concurrent use.
type Generator struct {
	engine *indicators.Engine
	opts   Options
	now    func() time.Time
}

// NewGenerator builds a generator; invalid thresholds fall back to defaults.
func NewGenerator(engine *indicators.Engine, opts Options) *Generator {
	if engine == nil {
		engine = indicators.NewEngine(indicators.DefaultParams())
	}
	if opts.Thresholds.Validate() != nil {
		opts.Thresholds = DefaultThresholds()
	}
	return &Generator{engine: engine, opts: opts, now: time.Now}
}

// Thresholds returns the classification policy in use.
func (g *Generator) Thresholds() Thresholds { return g.opts.Thresholds }

// WithRiskHints returns a copy using different stop-loss/take-profit hint percentages.
func (g *Generator) WithRiskHints(stopLossPct, takeProfitPct float64) *Generator {
	cp := *g
	cp.opts.StopLossPct = stopLossPct
	cp.opts.TakeProfitPct = takeProfitPct
	return &cp
}

type component struct {
	factor string
	text   string
	points float64 // signed
}

// Generate computes a signal for symbol from bars and optional sentiment.
// A nil sentiment counts as neutral.
func (g *Generator) Generate(symbol string, bars []indicators.Bar, idx *sentiment.Index) Signal {
	return g.FromIndicators(symbol, g.engine.Compute(bars), idx)
}

// FromIndicators scores an already computed indicator set.
func (g *Generator) FromIndicators(symbol string, set indicators.IndicatorSet, idx *sentiment.Index) Signal {
	fg := sentiment.ValueOf(idx)
	sig := Signal{
		Symbol:      strings.ToUpper(symbol),
		Price:       set.Price,
		Sentiment:   fg,
		Indicators:  set,
		Risk:        RiskFromATR(set.ATR),
		GeneratedAt: g.now(),
	}

	if set.Insufficient || set.Price <= 0 {
		sig.Class = Hold
		sig.Score = 50
		sig.Confidence = 0
		sig.Reasons = []Reason{{Factor: "data", Text: insufficientReason}}
		return sig
	}

	comps := g.components(set, fg)

	sum := 0.0
	bullN, bearN := 0, 0
	for _, c := range comps {
		sum += c.points
		switch {
		case c.points > 0:
			bullN++
		case c.points < 0:
			bearN++
		}
	}

	score := int(math.Round(50 + sum))
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	sig.Score = score
	sig.Class = g.opts.Thresholds.Classify(score)
	sig.Confidence = confidence(sum, bullN, bearN)
	sig.Reasons = orderReasons(comps)
	g.attachHints(&sig)
	return sig
}

// confidence is the share of firing directional components that agree with
// the dominant direction.
func confidence(sum float64, bullN, bearN int) float64 {
	total := bullN + bearN
	if total == 0 {
		return 0
	}
	agree := bullN
	switch {
	case sum < 0:
		agree = bearN
	case sum == 0 && bearN > bullN:
		agree = bearN
	}
	return float64(agree) / float64(total)
}

func orderReasons(comps []component) []Reason {
	reasons := make([]Reason, 0, len(comps))
	for _, c := range comps {
		reasons = append(reasons, Reason{Factor: c.factor, Text: c.text, Contribution: c.points})
	}
	sort.SliceStable(reasons, func(i, j int) bool {
		return math.Abs(reasons[i].Contribution) > math.Abs(reasons[j].Contribution)
	})
	return reasons
}

func (g *Generator) components(set indicators.IndicatorSet, fg int) []component {
	var comps []component
	add := func(factor, text string, points float64) {
		comps = append(comps, component{factor: factor, text: text, points: points})
	}

	if set.RSI.Valid {
		r := set.RSI.Value
		switch {
		case r < 30:
			add("RSI", fmt.Sprintf("RSI oversold (%.1f)", r), weightRSIExtreme)
		case r < 40:
			add("RSI", fmt.Sprintf("RSI leaning oversold (%.1f)", r), weightRSIMild)
		case r > 70:
			add("RSI", fmt.Sprintf("RSI overbought (%.1f)", r), -weightRSIExtreme)
		case r > 60:
			add("RSI", fmt.Sprintf("RSI leaning overbought (%.1f)", r), -weightRSIMild)
		}
	}

	if m := set.MACD; m.Valid {
		switch {
		case m.Cross > 0:
			add("MACD", "MACD bullish crossover", weightMACDCross)
		case m.Cross < 0:
			add("MACD", "MACD bearish crossover", -weightMACDCross)
		case m.Bias() > 0:
			add("MACD", "MACD above signal line", weightMACDBias)
		case m.Bias() < 0:
			add("MACD", "MACD below signal line", -weightMACDBias)
		}
	}

	if tr := set.Trend; tr.Valid {
		switch tr.Direction {
		case indicators.Bullish:
			add("EMA", fmt.Sprintf("Uptrend: price %.1f%% above EMA%d, golden cross", tr.PriceVsShortPct, g.engine.Params().EMAShort), weightTrend)
		case indicators.Bearish:
			add("EMA", fmt.Sprintf("Downtrend: price %.1f%% below EMA%d, death cross", -tr.PriceVsShortPct, g.engine.Params().EMAShort), -weightTrend)
		}
	}

	if bb := set.Bollinger; bb.Valid {
		switch {
		case bb.Position < 0.1:
			add("Bollinger", "Price at lower Bollinger band", weightBollinger)
		case bb.Position > 0.9:
			add("Bollinger", "Price at upper Bollinger band", -weightBollinger)
		}
		if bb.Squeeze {
			add("Bollinger", fmt.Sprintf("Bollinger squeeze (width %.3f), breakout likely", bb.Width), 0)
		}
	}

	switch set.Divergence {
	case 1:
		add("Divergence", "Bullish RSI divergence", weightDivergence)
	case -1:
		add("Divergence", "Bearish RSI divergence", -weightDivergence)
	}

	if v := set.Volume; v.Valid && v.Ratio > 2 {
		add("Volume", fmt.Sprintf("High volume (%.1fx average) confirms the move", v.Ratio), 0)
	}

	switch {
	case fg <= 20:
		add("Fear&Greed", fmt.Sprintf("Extreme fear (%d), contrarian buy", fg), weightSentimentHigh)
	case fg <= 35:
		add("Fear&Greed", fmt.Sprintf("Fear (%d)", fg), weightSentimentLow)
	case fg >= 80:
		add("Fear&Greed", fmt.Sprintf("Extreme greed (%d), market overheated", fg), -weightSentimentHigh)
	case fg >= 65:
		add("Fear&Greed", fmt.Sprintf("Greed (%d)", fg), -weightSentimentLow)
	}

	return comps
}

func (g *Generator) attachHints(sig *Signal) {
	if sig.Class == Hold {
		return
	}
	price := sig.Price
	entry := price
	sig.Entry = &entry
	sl, tp := g.opts.StopLossPct/100, g.opts.TakeProfitPct/100
	if sig.Class.Bullish() {
		if sl > 0 {
			v := price * (1 - sl)
			sig.StopLoss = &v
		}
		if tp > 0 {
			v := price * (1 + tp)
			sig.TakeProfit = &v
		}
		return
	}
	if sl > 0 {
		v := price * (1 + sl)
		sig.StopLoss = &v
	}
	if tp > 0 {
		v := price * (1 - tp)
		sig.TakeProfit = &v
	}
}
