// Package state owns the persisted trading state. The state file is the
// bot's local belief; the broker is authoritative truth and overwrites it
// on reconciliation. Every mutation is persisted immediately with an
// atomic temp-file-then-rename write, trading write amplification for
// crash safety.
package state

import "fmt"

// CurrentSchemaVersion is the on-disk schema this build writes. A loaded
// file with a different schema only logs a warning; migration is an
// extension point, not implemented.
const CurrentSchemaVersion = 1

// Reconciliation status values recorded in TradingState.
const (
	ReconcileSuccess      = "success"
	ReconcileFailed       = "failed"
	ReconcileSkippedNoAPI = "skipped_no_api"
	ReconcilePending      = "pending"
)

// Position is a locally-believed open position. Created and updated only
// from fill events or reconciliation; removed when quantity reaches zero.
type Position struct {
	Symbol       string  `json:"symbol"`
	Qty          float64 `json:"qty"`
	Side         string  `json:"side"` // "long" or "short"
	CostBasis    float64 `json:"cost_basis"`
	EntryTime    string  `json:"entry_time"`
	CurrentPrice float64 `json:"current_price"`
	MarketValue  float64 `json:"market_value"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}

// TradingState is the versioned persisted record. Readers never observe a
// partial write; see Manager.Save.
type TradingState struct {
	SchemaVersion              int                 `json:"schema_version"`
	StateVersion               int64               `json:"state_version"`
	LastUpdated                string              `json:"last_updated"`
	OpenPositions              map[string]Position `json:"open_positions"`
	RealizedPnL                float64             `json:"realized_pnl"`
	UnrealizedPnL              float64             `json:"unrealized_pnl"`
	LastTradePerSymbol         map[string]string   `json:"last_trade_per_symbol"`
	LastOrderIDs               []string            `json:"last_order_ids"`
	Regime                     string              `json:"regime"`
	RiskPosture                string              `json:"risk_posture"`
	LastHeartbeatTime          string              `json:"last_heartbeat_time"`
	ReconciliationStatus       string              `json:"reconciliation_status"`
	RequiresManualIntervention bool                `json:"requires_manual_intervention,omitempty"`
}

func emptyState() TradingState {
	return TradingState{
		SchemaVersion:      CurrentSchemaVersion,
		OpenPositions:      map[string]Position{},
		LastTradePerSymbol: map[string]string{},
	}
}

// FatalStateError halts startup: local state was corrupt and could not be
// rebuilt from the broker. Trading must not resume on unknown state.
type FatalStateError struct {
	Reason string
	Err    error
}

func (e *FatalStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal state error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal state error: %s", e.Reason)
}

func (e *FatalStateError) Unwrap() error { return e.Err }

// LoadResult reports how startup state was obtained. A self-heal with a
// successful or skipped reconciliation is recoverable; the fatal branch is
// returned as a *FatalStateError instead.
type LoadResult struct {
	SelfHealed           bool   `json:"self_healed"`
	BackupPath           string `json:"backup_path,omitempty"`
	ReconciliationStatus string `json:"reconciliation_status,omitempty"`
}
