package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	c, err := Load(writeConfig(t, "symbols: [AAPL, NVDA]\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "NVDA"}, c.Symbols)
	assert.Equal(t, "UNKNOWN", c.Regime)

	// documented guard defaults
	assert.Equal(t, 0.30, c.Guard.MaxPortfolioExposurePct)
	assert.Equal(t, 2000.0, c.Guard.MaxNotionalPerOrder)
	assert.Equal(t, 0.15, c.Guard.MaxConcentrationPerSymbolPct)
	assert.Equal(t, 0.05, c.Guard.MaxPriceDeviationPct)
	assert.Equal(t, 5, c.Guard.MinCooldownMinutes)
	assert.False(t, c.Guard.AllowDirectionFlip)

	assert.Equal(t, 60, c.Join.BucketSeconds)
	assert.Equal(t, 300, c.Join.WindowSeconds)
	assert.Equal(t, "sim", c.MarketData.Provider)
	assert.Equal(t, "data/trading_state.json", c.State.Path)
}

func TestLoad_ExplicitOverrides(t *testing.T) {
	c, err := Load(writeConfig(t, `
guard:
  max_notional_per_order: 500
  allow_direction_flip: true
join:
  window_seconds: 120
`))
	require.NoError(t, err)
	assert.Equal(t, 500.0, c.Guard.MaxNotionalPerOrder)
	assert.True(t, c.Guard.AllowDirectionFlip)
	assert.Equal(t, 120, c.Join.WindowSeconds)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, `
guard:
  max_portfolio_exposure_pct: 1.8
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	_, err = Load(writeConfig(t, "market_data:\n  provider: carrier-pigeon\n"))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Equal(t, 2000.0, c.Guard.MaxNotionalPerOrder)
	assert.Equal(t, 10, c.State.ReconcileTimeoutSec)
}
