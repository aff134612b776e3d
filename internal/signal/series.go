package signal

import "math"

// Series is a time-ascending sequence of closing prices. All indicator
// helpers are defensive: a window that doesn't fit the data returns a
// neutral value instead of panicking, so scoring never blocks the pipeline.
type Series []float64

// Last returns the most recent close, or 0 for an empty series.
func (s Series) Last() float64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// Returns computes bar-over-bar fractional returns. Bars with a zero or
// negative base are skipped.
func (s Series) Returns() []float64 {
	if len(s) < 2 {
		return nil
	}
	out := make([]float64, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		if s[i-1] <= 0 {
			continue
		}
		out = append(out, (s[i]-s[i-1])/s[i-1])
	}
	return out
}

// EMA returns the n-period exponential moving average of the full series.
// Seeded with the first close; returns 0 when the window doesn't fit.
func (s Series) EMA(n int) float64 {
	if n <= 0 || len(s) < n {
		return 0
	}
	k := 2.0 / (float64(n) + 1.0)
	ema := s[0]
	for i := 1; i < len(s); i++ {
		ema = s[i]*k + ema*(1.0-k)
	}
	return ema
}

// SMA returns the simple moving average of the trailing n closes.
func (s Series) SMA(n int) float64 {
	if n <= 0 || len(s) < n {
		return 0
	}
	sum := 0.0
	for _, v := range s[len(s)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// StdDev returns the population standard deviation of the trailing n closes.
func (s Series) StdDev(n int) float64 {
	if n <= 1 || len(s) < n {
		return 0
	}
	window := s[len(s)-n:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(n)
	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(n))
}

// RSI returns the n-period Relative Strength Index using Wilder's smoothing,
// evaluated at the last bar. Needs n+1 closes; returns a neutral 50 otherwise.
func (s Series) RSI(n int) float64 {
	if n <= 0 || len(s) < n+1 {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := s[i] - s[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)
	for i := n + 1; i < len(s); i++ {
		d := s[i] - s[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		avgGain = (avgGain*float64(n-1) + up) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + down) / float64(n)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// stdDevOf returns the population standard deviation of arbitrary values.
func stdDevOf(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	variance := 0.0
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(vals)))
}

// clamp bounds v into [lo, hi]. NaN and infinities collapse to 0 so a bad
// intermediate value can never leak out of the engine.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
