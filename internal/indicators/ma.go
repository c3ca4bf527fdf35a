package indicators

import "math"

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// EMASeries returns the exponential moving average aligned to the end of
// values: out[len(out)-1] corresponds to values[len(values)-1]. The first
// element is seeded with the SMA of the first period values. Returns nil
// when there are fewer than period values.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, 0, len(values)-period+1)
	prev := SMA(values[:period], period)
	out = append(out, prev)
	for _, v := range values[period:] {
		prev = v*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}

// EMA returns the last value of EMASeries, or 0 when undefined.
func EMA(values []float64, period int) float64 {
	s := EMASeries(values, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// StdDev is the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	mean := SMA(values, period)
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(period))
}
