// Package sentiment supplies the market-wide Fear & Greed index.
package sentiment

import (
	"context"
	"time"
)

// Neutral is the value assumed when no index is available.
const Neutral = 50

// Index is one Fear & Greed reading (0 extreme fear .. 100 extreme greed).
type Index struct {
	Value          int       `json:"value"`
	Classification string    `json:"classification"`
	Timestamp      time.Time `json:"timestamp"`
	Stale          bool      `json:"stale,omitempty"` // served from cache after a failed refresh
}

// Source fetches the current index.
type Source interface {
	GetSentimentIndex(ctx context.Context) (Index, error)
}

// NeutralIndex is the fallback reading.
func NeutralIndex(at time.Time) Index {
	return Index{Value: Neutral, Classification: Classify(Neutral), Timestamp: at}
}

// Classify maps a value to the alternative.me bucket names.
func Classify(v int) string {
	switch {
	case v <= 24:
		return "Extreme Fear"
	case v <= 49:
		return "Fear"
	case v <= 54:
		return "Neutral"
	case v <= 74:
		return "Greed"
	default:
		return "Extreme Greed"
	}
}

// ValueOf returns the index value or Neutral for nil.
func ValueOf(idx *Index) int {
	if idx == nil {
		return Neutral
	}
	return idx.Value
}
