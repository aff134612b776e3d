package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quantbot/trading-core/internal/broker"
	"github.com/quantbot/trading-core/internal/observ"
)

// requiredKeys must be present in a state file for it to be considered
// well-formed; anything less triggers the self-heal path.
var requiredKeys = []string{"state_version", "open_positions"}

const maxTrackedOrderIDs = 20

// DefaultReconcileTimeout bounds the broker call during reconciliation.
// The source system left this unspecified; 10s is generous for a position
// list and short enough that a cron cycle fails fast.
const DefaultReconcileTimeout = 10 * time.Second

// Manager is the single writer of the persisted trading state. Methods are
// safe for concurrent use within the process; cross-process safety relies
// on the atomic rename in Save and the single-active-writer contract.
type Manager struct {
	mu               sync.RWMutex
	path             string
	broker           broker.Client // nil when no broker is configured
	reconcileTimeout time.Duration
	state            TradingState
	now              func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithReconcileTimeout overrides the broker call timeout.
func WithReconcileTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reconcileTimeout = d
		}
	}
}

// NewManager creates a state manager for the given file path. client may
// be nil; reconciliation is then skipped rather than attempted.
func NewManager(path string, client broker.Client, opts ...Option) *Manager {
	m := &Manager{
		path:             path,
		broker:           client,
		reconcileTimeout: DefaultReconcileTimeout,
		state:            emptyState(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads the state file, self-healing on corruption. The returned
// error is nil for every recoverable outcome; a non-nil error is always a
// *FatalStateError and means trading must not start.
func (m *Manager) Load(ctx context.Context) (LoadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = emptyState()
			if err := m.saveUnsafe(); err != nil {
				return LoadResult{}, &FatalStateError{Reason: "cannot persist initial state", Err: err}
			}
			observ.Log("state_initialized", map[string]any{"path": m.path})
			return LoadResult{}, nil
		}
		return LoadResult{}, &FatalStateError{Reason: "cannot read state file", Err: err}
	}

	if parseErr := m.parseStateUnsafe(data); parseErr != nil {
		return m.selfHealUnsafe(ctx, parseErr)
	}

	if m.state.SchemaVersion != CurrentSchemaVersion {
		// No migration implemented; warn and carry on.
		observ.Warn("state_schema_mismatch", map[string]any{
			"found": m.state.SchemaVersion, "expected": CurrentSchemaVersion,
		})
	}
	observ.Log("state_loaded", map[string]any{
		"path": m.path, "state_version": m.state.StateVersion,
		"open_positions": len(m.state.OpenPositions),
	})
	return LoadResult{ReconciliationStatus: m.state.ReconciliationStatus}, nil
}

// parseStateUnsafe validates syntax and required keys, then decodes into
// m.state. Any error leaves m.state untouched.
func (m *Manager) parseStateUnsafe(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid state syntax: %w", err)
	}
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return fmt.Errorf("state file missing required key %q", key)
		}
	}
	var st TradingState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("invalid state structure: %w", err)
	}
	if st.OpenPositions == nil {
		st.OpenPositions = map[string]Position{}
	}
	if st.LastTradePerSymbol == nil {
		st.LastTradePerSymbol = map[string]string{}
	}
	m.state = st
	return nil
}

// selfHealUnsafe handles a corrupt state file: back it up (never delete),
// start fresh, and rebuild belief from the broker when one is available.
func (m *Manager) selfHealUnsafe(ctx context.Context, cause error) (LoadResult, error) {
	backupPath := fmt.Sprintf("%s.corrupt.%s", m.path, m.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(m.path, backupPath); err != nil {
		// Backup failed; proceed with a fresh state anyway but keep the
		// original file in place.
		observ.Error("state_backup_failed", err, map[string]any{"path": m.path})
		backupPath = ""
	}
	observ.Warn("state_corrupt_self_heal", map[string]any{
		"path": m.path, "backup": backupPath, "cause": cause.Error(),
	})
	observ.IncCounter("state_self_heals_total", nil)

	m.state = emptyState()
	result := LoadResult{SelfHealed: true, BackupPath: backupPath}

	if m.broker == nil {
		m.state.ReconciliationStatus = ReconcileSkippedNoAPI
		result.ReconciliationStatus = ReconcileSkippedNoAPI
		if err := m.saveUnsafe(); err != nil {
			return result, &FatalStateError{Reason: "cannot persist healed state", Err: err}
		}
		return result, nil
	}

	if err := m.reconcileUnsafe(ctx); err != nil {
		m.state.ReconciliationStatus = ReconcileFailed
		m.state.RequiresManualIntervention = true
		result.ReconciliationStatus = ReconcileFailed
		// Persist the failure marker before refusing to start.
		if saveErr := m.saveUnsafe(); saveErr != nil {
			observ.Error("state_failure_marker_persist_failed", saveErr, nil)
		}
		return result, &FatalStateError{Reason: "state corrupt and broker reconciliation failed", Err: err}
	}

	result.ReconciliationStatus = ReconcileSuccess
	if err := m.saveUnsafe(); err != nil {
		return result, &FatalStateError{Reason: "cannot persist reconciled state", Err: err}
	}
	return result, nil
}

// ReconcileWithBroker overwrites local position belief with the broker's
// authoritative list. Failure is logged and recorded in the state, not
// fatal: the caller decides whether to keep trading.
func (m *Manager) ReconcileWithBroker(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broker == nil {
		m.state.ReconciliationStatus = ReconcileSkippedNoAPI
		return m.saveUnsafe()
	}
	if err := m.reconcileUnsafe(ctx); err != nil {
		m.state.ReconciliationStatus = ReconcileFailed
		if saveErr := m.saveUnsafe(); saveErr != nil {
			observ.Error("state_save_failed", saveErr, nil)
		}
		observ.Error("reconciliation_failed", err, nil)
		observ.IncCounter("reconciliations_total", map[string]string{"status": "failed"})
		return fmt.Errorf("broker reconciliation failed: %w", err)
	}
	observ.IncCounter("reconciliations_total", map[string]string{"status": "success"})
	return m.saveUnsafe()
}

func (m *Manager) reconcileUnsafe(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, m.reconcileTimeout)
	defer cancel()

	brokerPositions, err := m.broker.ListPositions(cctx)
	if err != nil {
		return err
	}

	nowStr := m.now().UTC().Format(time.RFC3339)
	fresh := make(map[string]Position, len(brokerPositions))
	unrealized := 0.0
	for _, bp := range brokerPositions {
		entryTime := nowStr
		if local, ok := m.state.OpenPositions[bp.Symbol]; ok && local.EntryTime != "" {
			entryTime = local.EntryTime
		}
		fresh[bp.Symbol] = Position{
			Symbol:       bp.Symbol,
			Qty:          bp.Qty,
			Side:         bp.Side,
			CostBasis:    bp.AvgEntryPrice,
			EntryTime:    entryTime,
			CurrentPrice: bp.CurrentPrice,
			MarketValue:  bp.MarketValue,
			UnrealizedPL: bp.UnrealizedPL,
		}
		unrealized += bp.UnrealizedPL
	}

	// Discrepancies are warnings, never fatal: the broker wins either way.
	for symbol := range m.state.OpenPositions {
		if _, ok := fresh[symbol]; !ok {
			observ.Warn("reconcile_local_only_position", map[string]any{"symbol": symbol})
		}
	}
	for symbol := range fresh {
		if _, ok := m.state.OpenPositions[symbol]; !ok {
			observ.Warn("reconcile_broker_only_position", map[string]any{"symbol": symbol})
		}
	}

	m.state.OpenPositions = fresh
	m.state.UnrealizedPnL = unrealized
	m.state.ReconciliationStatus = ReconcileSuccess
	m.state.RequiresManualIntervention = false
	return nil
}

// Save persists the current state atomically.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

// saveUnsafe bumps the version stamp and writes temp-file-then-rename so a
// concurrent reader sees either the prior or the new complete file.
func (m *Manager) saveUnsafe() error {
	m.state.SchemaVersion = CurrentSchemaVersion
	m.state.StateVersion++
	m.state.LastUpdated = m.now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename state: %w", err)
	}
	return nil
}

// UpdatePosition applies a fill event. qty is the fill size, always
// positive; side is "buy" or "sell". Positions are removed at zero.
func (m *Manager) UpdatePosition(symbol, side string, qty, price float64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delta := qty
	if side == "sell" {
		delta = -qty
	}

	pos, exists := m.state.OpenPositions[symbol]
	signed := signedQty(pos)
	if !exists {
		signed = 0
	}
	newSigned := signed + delta

	switch {
	case newSigned == 0:
		// Flat: realize P&L against cost basis and drop the position.
		if exists {
			m.state.RealizedPnL += signed * (price - pos.CostBasis)
		}
		delete(m.state.OpenPositions, symbol)
	case !exists || signed == 0:
		m.state.OpenPositions[symbol] = Position{
			Symbol:       symbol,
			Qty:          absF(newSigned),
			Side:         sideOf(newSigned),
			CostBasis:    price,
			EntryTime:    ts.UTC().Format(time.RFC3339),
			CurrentPrice: price,
			MarketValue:  absF(newSigned) * price,
		}
	case signed*delta > 0:
		// Same-side accumulation: blend cost basis.
		totalCost := pos.CostBasis*absF(signed) + price*absF(delta)
		pos.Qty = absF(newSigned)
		pos.CostBasis = totalCost / absF(newSigned)
		pos.CurrentPrice = price
		pos.MarketValue = pos.Qty * price
		m.state.OpenPositions[symbol] = pos
	case absF(delta) < absF(signed):
		// Partial reduction: realize the closed slice.
		m.state.RealizedPnL += -delta * (price - pos.CostBasis)
		pos.Qty = absF(newSigned)
		pos.CurrentPrice = price
		pos.MarketValue = pos.Qty * price
		m.state.OpenPositions[symbol] = pos
	default:
		// Flip through zero: realize the old side, open the residual.
		m.state.RealizedPnL += signed * (price - pos.CostBasis)
		m.state.OpenPositions[symbol] = Position{
			Symbol:       symbol,
			Qty:          absF(newSigned),
			Side:         sideOf(newSigned),
			CostBasis:    price,
			EntryTime:    ts.UTC().Format(time.RFC3339),
			CurrentPrice: price,
			MarketValue:  absF(newSigned) * price,
		}
	}

	m.state.LastTradePerSymbol[symbol] = ts.UTC().Format(time.RFC3339)
	return m.saveUnsafe()
}

// RecordOrderID remembers a submitted order id, keeping a bounded tail.
func (m *Manager) RecordOrderID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastOrderIDs = append(m.state.LastOrderIDs, id)
	if n := len(m.state.LastOrderIDs); n > maxTrackedOrderIDs {
		m.state.LastOrderIDs = m.state.LastOrderIDs[n-maxTrackedOrderIDs:]
	}
	return m.saveUnsafe()
}

// UpdatePnL adds a realized delta and replaces the unrealized total.
func (m *Manager) UpdatePnL(realizedDelta, unrealized float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.RealizedPnL += realizedDelta
	m.state.UnrealizedPnL = unrealized
	return m.saveUnsafe()
}

// UpdateHeartbeat stamps liveness into the persisted state.
func (m *Manager) UpdateHeartbeat() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastHeartbeatTime = m.now().UTC().Format(time.RFC3339)
	return m.saveUnsafe()
}

// SetRegime records the current market regime and risk posture.
func (m *Manager) SetRegime(regime, posture string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Regime = regime
	m.state.RiskPosture = posture
	return m.saveUnsafe()
}

// State returns a deep copy of the current state.
func (m *Manager) State() TradingState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := m.state
	st.OpenPositions = make(map[string]Position, len(m.state.OpenPositions))
	for k, v := range m.state.OpenPositions {
		st.OpenPositions[k] = v
	}
	st.LastTradePerSymbol = make(map[string]string, len(m.state.LastTradePerSymbol))
	for k, v := range m.state.LastTradePerSymbol {
		st.LastTradePerSymbol[k] = v
	}
	st.LastOrderIDs = append([]string(nil), m.state.LastOrderIDs...)
	return st
}

// PositionView implementation for the trade guard.

// PositionQty returns the signed quantity for a symbol.
func (m *Manager) PositionQty(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.state.OpenPositions[symbol]
	if !ok {
		return 0
	}
	return signedQty(pos)
}

// GrossExposureUSD sums absolute market values across positions.
func (m *Manager) GrossExposureUSD() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, pos := range m.state.OpenPositions {
		total += absF(pos.MarketValue)
	}
	return total
}

// SymbolExposureUSD is the absolute market value held in one symbol.
func (m *Manager) SymbolExposureUSD(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return absF(m.state.OpenPositions[symbol].MarketValue)
}

// LastTradeAt returns the raw last-trade timestamp for a symbol.
func (m *Manager) LastTradeAt(symbol string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.state.LastTradePerSymbol[symbol]
	return ts, ok
}

func signedQty(p Position) float64 {
	if p.Side == "short" {
		return -p.Qty
	}
	return p.Qty
}

func sideOf(signed float64) string {
	if signed < 0 {
		return "short"
	}
	return "long"
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
