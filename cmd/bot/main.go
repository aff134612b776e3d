// Command bot runs one synchronous trading cycle: load state, score each
// configured symbol, guard-check a proposed adjustment order, snapshot the
// decision telemetry, then reconcile and heartbeat. It is designed to be
// invoked per cron/batch cycle; there is no internal event loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/quantbot/trading-core/internal/audit"
	"github.com/quantbot/trading-core/internal/config"
	"github.com/quantbot/trading-core/internal/guard"
	"github.com/quantbot/trading-core/internal/marketdata"
	"github.com/quantbot/trading-core/internal/observ"
	"github.com/quantbot/trading-core/internal/signal"
	"github.com/quantbot/trading-core/internal/state"
)

const historyBars = 60

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		observ.Error("cycle_failed", err, nil)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	observ.SetLevel(cfg.Logging.Level)

	rejections, err := audit.NewWriter(cfg.Audit.RejectionsPath)
	if err != nil {
		return err
	}
	snapshots, err := audit.NewWriter(cfg.Audit.SnapshotsPath)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// No broker adapter is wired in this build; reconciliation is skipped
	// rather than attempted against nothing.
	mgr := state.NewManager(cfg.State.Path, nil,
		state.WithReconcileTimeout(time.Duration(cfg.State.ReconcileTimeoutSec)*time.Second))
	loadRes, err := mgr.Load(ctx)
	if err != nil {
		// Fatal state error: refuse to trade on unknown state.
		return err
	}
	if loadRes.SelfHealed {
		observ.Warn("state_was_self_healed", map[string]any{
			"backup": loadRes.BackupPath, "reconciliation": loadRes.ReconciliationStatus,
		})
	}

	provider, err := buildProvider(cfg.MarketData)
	if err != nil {
		return err
	}

	engine := signal.NewEngine()
	g := guard.New(cfg.Guard, mgr, rejections)
	regime := signal.ParseRegime(cfg.Regime)
	weights := engine.RegimeAdjustedWeights(regime)

	for _, symbol := range cfg.Symbols {
		closes, err := provider.Closes(ctx, symbol, historyBars)
		if err != nil {
			observ.Error("history_fetch_failed", err, map[string]any{"symbol": symbol})
			continue
		}
		series := signal.Series(closes)

		sig := engine.BuildRawSignals(series, regime, cfg.SectorMomentum)
		gates := engine.CompositeGate(sig, regime)
		delta := engine.WeightedSignalDelta(sig, weights, gates.CompositeGate)

		observ.Log("symbol_scored", map[string]any{
			"symbol": symbol, "delta": delta, "composite_gate": gates.CompositeGate,
		})

		intentID := uuid.NewString()
		now := time.Now().UTC().Format(time.RFC3339)
		if err := snapshots.Append(map[string]any{
			"timestamp":       now,
			"symbol":          symbol,
			"lifecycle_event": "ENTRY_DECISION",
			"intent_id":       intentID,
			"regime_label":    string(regime),
			"composite_score": delta,
			"components":      sig,
			"gates":           gates,
		}); err != nil {
			observ.Error("snapshot_write_failed", err, map[string]any{"symbol": symbol})
		}

		proposal, ok := proposalFromDelta(symbol, delta, series.Last())
		if !ok {
			continue
		}
		verdict := g.EvaluateOrder(proposal)
		observ.Log("order_evaluated", map[string]any{
			"symbol": symbol, "approved": verdict.Approved,
			"reason": verdict.Reason, "decision_id": verdict.DecisionID,
		})
		// Approved orders are handed to the external execution layer;
		// submission is out of scope here.
	}

	if err := mgr.SetRegime(string(regime), "normal"); err != nil {
		return err
	}
	if err := mgr.ReconcileWithBroker(ctx); err != nil {
		observ.Warn("reconcile_skipped_or_failed", map[string]any{"error": err.Error()})
	}
	return mgr.UpdateHeartbeat()
}

// proposalFromDelta sizes a small adjustment order from the composite
// delta. Deltas too weak to move a whole share produce no proposal.
func proposalFromDelta(symbol string, delta, price float64) (guard.OrderProposal, bool) {
	if price <= 0 {
		return guard.OrderProposal{}, false
	}
	side := guard.SideBuy
	if delta < 0 {
		side = guard.SideSell
		delta = -delta
	}
	// Scale the bounded delta onto a small notional budget.
	qty := int(delta * 4000 / price)
	if qty <= 0 {
		return guard.OrderProposal{}, false
	}
	return guard.OrderProposal{
		Symbol:         symbol,
		Side:           side,
		Qty:            qty,
		IntendedPrice:  price,
		LastKnownPrice: price,
		// Account context comes from the broker in a live build; the
		// dry-run uses a fixed paper account.
		Account: guard.AccountSnapshot{Equity: 100000, BuyingPower: 50000},
	}, true
}

func buildProvider(cfg config.MarketData) (marketdata.Provider, error) {
	switch cfg.Provider {
	case "http":
		return marketdata.NewHTTPProvider(cfg.HTTP)
	case "sim":
		return marketdata.NewSimProvider(), nil
	default:
		return nil, fmt.Errorf("unknown market data provider %q", cfg.Provider)
	}
}
