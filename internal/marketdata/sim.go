package marketdata

import (
	"context"
	"math"
)

// SimProvider generates deterministic synthetic series for tests, replay
// and dry runs. The same symbol always yields the same history.
type SimProvider struct {
	Drift float64 // per-bar fractional drift, e.g. 0.001
	Amp   float64 // oscillation amplitude in price units
}

// NewSimProvider returns a mildly trending, gently oscillating simulator.
func NewSimProvider() *SimProvider {
	return &SimProvider{Drift: 0.001, Amp: 1.5}
}

// Closes implements Provider. The base price is derived from the symbol so
// different symbols don't produce identical tapes.
func (s *SimProvider) Closes(_ context.Context, symbol string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 30
	}
	base := 50.0
	for _, r := range symbol {
		base += float64(r % 13)
	}
	closes := make([]float64, limit)
	price := base
	for i := range closes {
		price *= 1 + s.Drift
		closes[i] = price + s.Amp*math.Sin(float64(i)*0.9)
	}
	return closes, nil
}
