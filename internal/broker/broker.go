// Package broker defines the narrow surface of the execution API this core
// consumes. Order submission lives outside the core; only position listing
// and account context are needed, for reconciliation and exposure checks.
package broker

import "context"

// Position is a broker-reported open position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	Side          string  `json:"side"` // "long" or "short"
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPL  float64 `json:"unrealized_pl"`
}

// Account is the broker-reported account context.
type Account struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

// Client is the minimal broker interface. Implementations adapt a real SDK;
// callers are responsible for wrapping calls with their own timeout.
type Client interface {
	ListPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (Account, error)
}
