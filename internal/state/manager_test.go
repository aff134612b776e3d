package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbot/trading-core/internal/broker"
)

func statePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "trading_state.json")
}

func TestLoad_AbsentFile(t *testing.T) {
	m := NewManager(statePath(t), nil)

	res, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, res.SelfHealed)

	st := m.State()
	assert.Empty(t, st.OpenPositions)
	assert.Equal(t, CurrentSchemaVersion, st.SchemaVersion)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := statePath(t)
	m := NewManager(path, nil)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	ts := time.Date(2026, 8, 27, 15, 0, 0, 0, time.UTC)
	require.NoError(t, m.UpdatePosition("AAPL", "buy", 10, 150, ts))
	require.NoError(t, m.RecordOrderID("ord-1"))
	require.NoError(t, m.UpdatePnL(25.5, -3.25))
	require.NoError(t, m.SetRegime("BULL", "normal"))

	before := m.State()

	m2 := NewManager(path, nil)
	_, err = m2.Load(context.Background())
	require.NoError(t, err)
	after := m2.State()

	assert.Equal(t, before.OpenPositions, after.OpenPositions)
	assert.Equal(t, before.RealizedPnL, after.RealizedPnL)
	assert.Equal(t, before.UnrealizedPnL, after.UnrealizedPnL)
	assert.Equal(t, before.LastOrderIDs, after.LastOrderIDs)
	assert.Equal(t, before.LastTradePerSymbol, after.LastTradePerSymbol)
	assert.Equal(t, before.Regime, after.Regime)
	assert.Equal(t, before.StateVersion, after.StateVersion)
}

func TestLoad_CorruptNoBroker(t *testing.T) {
	path := statePath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	m := NewManager(path, nil)
	res, err := m.Load(context.Background())
	require.NoError(t, err, "self-heal without a broker must not raise")
	assert.True(t, res.SelfHealed)
	assert.Equal(t, ReconcileSkippedNoAPI, res.ReconciliationStatus)

	st := m.State()
	assert.Equal(t, ReconcileSkippedNoAPI, st.ReconciliationStatus)
	assert.Empty(t, st.OpenPositions)

	// the corrupt original is preserved, not deleted
	require.NotEmpty(t, res.BackupPath)
	backup, err := os.ReadFile(res.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(backup))
}

func TestLoad_MissingRequiredKeys(t *testing.T) {
	path := statePath(t)
	// valid JSON, but no open_positions key
	require.NoError(t, os.WriteFile(path, []byte(`{"state_version": 3}`), 0644))

	m := NewManager(path, nil)
	res, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, res.SelfHealed)
}

func TestLoad_CorruptWithFailingBroker(t *testing.T) {
	path := statePath(t)
	require.NoError(t, os.WriteFile(path, []byte("][garbage"), 0644))

	fake := &broker.Fake{Err: errors.New("broker unreachable")}
	m := NewManager(path, fake)

	_, err := m.Load(context.Background())
	require.Error(t, err)
	var fatal *FatalStateError
	require.ErrorAs(t, err, &fatal)

	// the failure marker is persisted on disk before the refusal
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	var onDisk TradingState
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, ReconcileFailed, onDisk.ReconciliationStatus)
	assert.True(t, onDisk.RequiresManualIntervention)
}

func TestLoad_CorruptWithWorkingBroker(t *testing.T) {
	path := statePath(t)
	require.NoError(t, os.WriteFile(path, []byte("oops"), 0644))

	fake := &broker.Fake{Positions: []broker.Position{
		{Symbol: "NVDA", Qty: 5, Side: "long", AvgEntryPrice: 400, CurrentPrice: 420, MarketValue: 2100, UnrealizedPL: 100},
	}}
	m := NewManager(path, fake)

	res, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, res.SelfHealed)
	assert.Equal(t, ReconcileSuccess, res.ReconciliationStatus)

	st := m.State()
	require.Contains(t, st.OpenPositions, "NVDA")
	assert.Equal(t, 5.0, st.OpenPositions["NVDA"].Qty)
	assert.Equal(t, 100.0, st.UnrealizedPnL)
}

func TestReconcile_BrokerIsAuthoritative(t *testing.T) {
	path := statePath(t)
	m := NewManager(path, nil)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	entry := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	require.NoError(t, m.UpdatePosition("AAPL", "buy", 10, 150, entry))
	require.NoError(t, m.UpdatePosition("TSLA", "buy", 2, 200, entry))

	fake := &broker.Fake{Positions: []broker.Position{
		{Symbol: "AAPL", Qty: 8, Side: "long", AvgEntryPrice: 151, CurrentPrice: 155, MarketValue: 1240, UnrealizedPL: 32},
		{Symbol: "MSFT", Qty: 3, Side: "long", AvgEntryPrice: 300, CurrentPrice: 310, MarketValue: 930, UnrealizedPL: 30},
	}}
	m.broker = fake

	require.NoError(t, m.ReconcileWithBroker(context.Background()))

	st := m.State()
	// broker list fully replaces local belief
	assert.Len(t, st.OpenPositions, 2)
	assert.NotContains(t, st.OpenPositions, "TSLA")
	assert.Contains(t, st.OpenPositions, "MSFT")

	// entry time preserved on symbol match, fresh for broker-only symbols
	assert.Equal(t, entry.Format(time.RFC3339), st.OpenPositions["AAPL"].EntryTime)
	assert.NotEqual(t, entry.Format(time.RFC3339), st.OpenPositions["MSFT"].EntryTime)

	assert.Equal(t, 62.0, st.UnrealizedPnL)
	assert.Equal(t, ReconcileSuccess, st.ReconciliationStatus)
}

func TestReconcile_FailureIsNonFatal(t *testing.T) {
	path := statePath(t)
	fake := &broker.Fake{}
	m := NewManager(path, fake)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	fake.Err = errors.New("timeout")
	err = m.ReconcileWithBroker(context.Background())
	require.Error(t, err)
	var fatal *FatalStateError
	assert.False(t, errors.As(err, &fatal), "periodic reconcile failure must not be fatal")
	assert.Equal(t, ReconcileFailed, m.State().ReconciliationStatus)
}

func TestUpdatePosition_Lifecycle(t *testing.T) {
	m := NewManager(statePath(t), nil)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	ts := time.Now().UTC()

	// open
	require.NoError(t, m.UpdatePosition("AAPL", "buy", 10, 100, ts))
	pos := m.State().OpenPositions["AAPL"]
	assert.Equal(t, 10.0, pos.Qty)
	assert.Equal(t, "long", pos.Side)
	assert.Equal(t, 100.0, pos.CostBasis)

	// accumulate: cost basis blends
	require.NoError(t, m.UpdatePosition("AAPL", "buy", 10, 110, ts))
	pos = m.State().OpenPositions["AAPL"]
	assert.Equal(t, 20.0, pos.Qty)
	assert.InDelta(t, 105.0, pos.CostBasis, 1e-9)

	// partial reduction realizes the closed slice
	require.NoError(t, m.UpdatePosition("AAPL", "sell", 5, 115, ts))
	st := m.State()
	assert.Equal(t, 15.0, st.OpenPositions["AAPL"].Qty)
	assert.InDelta(t, 50.0, st.RealizedPnL, 1e-9)

	// full close removes the position
	require.NoError(t, m.UpdatePosition("AAPL", "sell", 15, 115, ts))
	st = m.State()
	assert.NotContains(t, st.OpenPositions, "AAPL")
	assert.InDelta(t, 200.0, st.RealizedPnL, 1e-9)

	assert.Equal(t, ts.Format(time.RFC3339), st.LastTradePerSymbol["AAPL"])
}

func TestPositionView(t *testing.T) {
	m := NewManager(statePath(t), nil)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	ts := time.Now().UTC()
	require.NoError(t, m.UpdatePosition("AAPL", "buy", 10, 100, ts))
	require.NoError(t, m.UpdatePosition("TSLA", "sell", 4, 250, ts))

	assert.Equal(t, 10.0, m.PositionQty("AAPL"))
	assert.Equal(t, -4.0, m.PositionQty("TSLA"))
	assert.Equal(t, 0.0, m.PositionQty("MSFT"))

	assert.Equal(t, 1000.0, m.SymbolExposureUSD("AAPL"))
	assert.Equal(t, 2000.0, m.GrossExposureUSD())

	got, ok := m.LastTradeAt("AAPL")
	require.True(t, ok)
	assert.Equal(t, ts.Format(time.RFC3339), got)
}

func TestRecordOrderID_BoundedTail(t *testing.T) {
	m := NewManager(statePath(t), nil)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	for i := 0; i < maxTrackedOrderIDs+5; i++ {
		require.NoError(t, m.RecordOrderID(time.Now().Format("ord-150405.000000000")))
	}
	assert.Len(t, m.State().LastOrderIDs, maxTrackedOrderIDs)
}
