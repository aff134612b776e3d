// Command reconcile joins exit snapshots to outcomes offline and prints
// the match counters as JSON. Diagnostic only; it never touches trading
// state.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/quantbot/trading-core/internal/audit"
	"github.com/quantbot/trading-core/internal/join"
)

func main() {
	snapshotsPath := flag.String("snapshots", "data/snapshots.jsonl", "snapshot log path")
	outcomesPath := flag.String("outcomes", "data/outcomes.jsonl", "outcome log path")
	windowSeconds := flag.Int("window", join.DefaultWindowSeconds, "time-window tolerance in seconds")
	verbose := flag.Bool("v", false, "also print matched pairs")
	flag.Parse()

	if err := run(*snapshotsPath, *outcomesPath, *windowSeconds, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "reconcile:", err)
		os.Exit(1)
	}
}

func run(snapshotsPath, outcomesPath string, windowSeconds int, verbose bool) error {
	snaps, err := audit.Read[join.SnapshotRecord](snapshotsPath)
	if err != nil {
		return err
	}
	outcomes, err := audit.Read[join.Outcome](outcomesPath)
	if err != nil {
		return err
	}

	matches, stats := join.NewReconciler(windowSeconds).ReconcileExitSnapshots(snaps, outcomes)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return err
	}
	if verbose {
		for _, m := range matches {
			if err := enc.Encode(m); err != nil {
				return err
			}
		}
	}
	return nil
}
