package signal

import (
	"fmt"
	"time"

	"paper-trading-core/internal/indicators"
)

// Class is the five-way signal classification.
type Class string

const (
	StrongSell Class = "STRONG_SELL"
	Sell       Class = "SELL"
	Hold       Class = "HOLD"
	Buy        Class = "BUY"
	StrongBuy  Class = "STRONG_BUY"
)

// Bullish reports whether the class leans to buying.
func (c Class) Bullish() bool { return c == Buy || c == StrongBuy }

// Bearish reports whether the class leans to selling.
func (c Class) Bearish() bool { return c == Sell || c == StrongSell }

// RiskLevel grades volatility from ATR as a percent of price.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskVeryHigh RiskLevel = "VERY_HIGH"
)

// RiskFromATR maps an ATR result to a RiskLevel. Unknown volatility is HIGH.
func RiskFromATR(atr indicators.ATRResult) RiskLevel {
	if !atr.Valid {
		return RiskHigh
	}
	switch {
	case atr.Pct < 2:
		return RiskLow
	case atr.Pct < 4:
		return RiskMedium
	case atr.Pct < 7:
		return RiskHigh
	}
	return RiskVeryHigh
}

// Thresholds is the single classification policy for scores.
type Thresholds struct {
	StrongBuy  int `json:"strong_buy"`
	Buy        int `json:"buy"`
	Sell       int `json:"sell"`
	StrongSell int `json:"strong_sell"`
}

// DefaultThresholds: ≥80 STRONG_BUY, ≥60 BUY, ≤20 STRONG_SELL, ≤40 SELL.
func DefaultThresholds() Thresholds {
	return Thresholds{StrongBuy: 80, Buy: 60, Sell: 40, StrongSell: 20}
}

// Validate requires 0 ≤ StrongSell < Sell < Buy < StrongBuy ≤ 100.
func (t Thresholds) Validate() error {
	if t.StrongSell < 0 || t.StrongBuy > 100 || !(t.StrongSell < t.Sell && t.Sell < t.Buy && t.Buy < t.StrongBuy) {
		return fmt.Errorf("thresholds must satisfy 0 <= strong_sell < sell < buy < strong_buy <= 100, got %+v", t)
	}
	return nil
}

// Classify maps a 0-100 score to a Class.
func (t Thresholds) Classify(score int) Class {
	switch {
	case score >= t.StrongBuy:
		return StrongBuy
	case score >= t.Buy:
		return Buy
	case score <= t.StrongSell:
		return StrongSell
	case score <= t.Sell:
		return Sell
	}
	return Hold
}

// Reason is one human-readable explanation with its score contribution in
// points. Contribution 0 marks an informational reason.
type Reason struct {
	Factor       string  `json:"factor"`
	Text         string  `json:"text"`
	Contribution float64 `json:"contribution"`
}

// Signal is a fresh, immutable per-cycle recommendation for one symbol.
type Signal struct {
	Symbol      string                  `json:"symbol"`
	Class       Class                   `json:"class"`
	Score       int                     `json:"score"`
	Confidence  float64                 `json:"confidence"`
	Reasons     []Reason                `json:"reasons"`
	Price       float64                 `json:"price"`
	Entry       *float64                `json:"entry,omitempty"`
	StopLoss    *float64                `json:"stop_loss,omitempty"`
	TakeProfit  *float64                `json:"take_profit,omitempty"`
	Risk        RiskLevel               `json:"risk"`
	Sentiment   int                     `json:"sentiment"`
	Indicators  indicators.IndicatorSet `json:"indicators"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// ReasonTexts returns the ordered reason strings.
func (s Signal) ReasonTexts() []string {
	out := make([]string, len(s.Reasons))
	for i, r := range s.Reasons {
		out[i] = r.Text
	}
	return out
}
