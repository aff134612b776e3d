// Package config loads the bot configuration from YAML. Defaults are
// applied to anything the file leaves unset, then the result is validated
// so an out-of-range threshold fails at startup instead of at trade time.
package config

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/quantbot/trading-core/internal/guard"
	"github.com/quantbot/trading-core/internal/marketdata"
)

// State configures the persisted trading state.
type State struct {
	Path                string `yaml:"path" default:"data/trading_state.json"`
	ReconcileTimeoutSec int    `yaml:"reconcile_timeout_sec" default:"10" validate:"gt=0"`
}

// Audit configures the append-only JSONL logs.
type Audit struct {
	RejectionsPath string `yaml:"rejections_path" default:"data/rejections.jsonl"`
	SnapshotsPath  string `yaml:"snapshots_path" default:"data/snapshots.jsonl"`
	OutcomesPath   string `yaml:"outcomes_path" default:"data/outcomes.jsonl"`
}

// Join configures snapshot-to-outcome reconciliation.
type Join struct {
	BucketSeconds int `yaml:"bucket_seconds" default:"60" validate:"gt=0"`
	WindowSeconds int `yaml:"window_seconds" default:"300" validate:"gt=0"`
}

// MarketData selects and configures the price history source.
type MarketData struct {
	Provider string                `yaml:"provider" default:"sim" validate:"oneof=sim http"`
	HTTP     marketdata.HTTPConfig `yaml:"http"`
}

// Logging configures structured event logging.
type Logging struct {
	Level string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
}

// Root is the full configuration tree.
type Root struct {
	Symbols        []string     `yaml:"symbols"`
	Regime         string       `yaml:"regime" default:"UNKNOWN"`
	SectorMomentum float64      `yaml:"sector_momentum"`
	Guard          guard.Config `yaml:"guard"`
	State          State        `yaml:"state"`
	MarketData     MarketData   `yaml:"market_data"`
	Join           Join         `yaml:"join"`
	Audit          Audit        `yaml:"audit"`
	Logging        Logging      `yaml:"logging"`
}

// Load reads and validates a config file. A missing file is an error; use
// Default for an all-defaults config.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return c, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return c, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Default returns the configuration with every default applied.
func Default() (Root, error) {
	var c Root
	if err := defaults.Set(&c); err != nil {
		return c, err
	}
	return c, nil
}
