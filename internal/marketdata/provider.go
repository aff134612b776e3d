// Package marketdata supplies ordered price history to the signal engine.
// Providers are external collaborators; the core only needs time-ascending
// closes per symbol.
package marketdata

import "context"

// Provider returns up to limit closing prices for a symbol, oldest first.
type Provider interface {
	Closes(ctx context.Context, symbol string, limit int) ([]float64, error)
}
