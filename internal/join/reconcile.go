package join

import (
	"time"

	"github.com/quantbot/trading-core/internal/observ"
)

// DefaultWindowSeconds is the tolerance for the last-resort time-window
// match against exit timestamps.
const DefaultWindowSeconds = 300

// Unmatched reason tags.
const (
	ReasonMissingEntryTimestamp = "missing_entry_timestamp"
	ReasonSurrogateNoMatch      = "surrogate_no_match"
	ReasonIDNotFound            = "id_not_found"
)

// Outcome is a downstream result record (realized exit) read from the
// outcome audit log.
type Outcome struct {
	TradeID        string  `json:"trade_id,omitempty"`
	Symbol         string  `json:"symbol"`
	EntryTimestamp string  `json:"entry_timestamp,omitempty"`
	ExitTimestamp  string  `json:"exit_timestamp,omitempty"`
	PnL            float64 `json:"pnl"`
	ExitReason     string  `json:"exit_reason,omitempty"`
}

// Match pairs one exit snapshot with one outcome and records which
// strategy made the call.
type Match struct {
	Snapshot SnapshotRecord `json:"snapshot"`
	Outcome  Outcome        `json:"outcome"`
	Strategy string         `json:"strategy"`
}

// Stats are the reconciliation counters. For any input,
// MatchedByPrimaryID + MatchedBySurrogate + Unmatched equals the number of
// exit-lifecycle snapshots.
type Stats struct {
	MatchedByPrimaryID int            `json:"matched_by_primary_id"`
	MatchedBySurrogate int            `json:"matched_by_surrogate"`
	Unmatched          int            `json:"unmatched"`
	UnmatchedReasons   map[string]int `json:"unmatched_reasons"`
}

// matcher is one strategy in the escalating chain. Each consumes at most
// one outcome per snapshot so counters stay conserved.
type matcher interface {
	name() string
	primary() bool
	match(snap SnapshotRecord, outcomes []Outcome, used map[int]bool) (int, bool)
}

// exactIDMatcher matches on the stable trade identifier.
type exactIDMatcher struct{}

func (exactIDMatcher) name() string  { return "exact_id" }
func (exactIDMatcher) primary() bool { return true }

func (exactIDMatcher) match(snap SnapshotRecord, outcomes []Outcome, used map[int]bool) (int, bool) {
	if snap.TradeID == "" {
		return 0, false
	}
	for i, o := range outcomes {
		if !used[i] && o.TradeID != "" && o.TradeID == snap.TradeID {
			return i, true
		}
	}
	return 0, false
}

// entrySurrogateMatcher matches on symbol plus entry timestamp.
type entrySurrogateMatcher struct{}

func (entrySurrogateMatcher) name() string  { return "entry_surrogate" }
func (entrySurrogateMatcher) primary() bool { return false }

func (entrySurrogateMatcher) match(snap SnapshotRecord, outcomes []Outcome, used map[int]bool) (int, bool) {
	entryTS := EntryTimestampOf(snap)
	if entryTS == "" || snap.Symbol == "" {
		return 0, false
	}
	for i, o := range outcomes {
		if used[i] || o.Symbol != snap.Symbol || o.EntryTimestamp == "" {
			continue
		}
		if timestampsEqual(entryTS, o.EntryTimestamp) {
			return i, true
		}
	}
	return 0, false
}

// windowMatcher matches on symbol within a time tolerance against the
// outcome's exit timestamp.
type windowMatcher struct {
	window time.Duration
}

func (windowMatcher) name() string  { return "time_window" }
func (windowMatcher) primary() bool { return false }

func (m windowMatcher) match(snap SnapshotRecord, outcomes []Outcome, used map[int]bool) (int, bool) {
	if snap.Symbol == "" {
		return 0, false
	}
	snapAt, err := time.Parse(time.RFC3339, snap.Timestamp)
	if err != nil {
		return 0, false
	}
	for i, o := range outcomes {
		if used[i] || o.Symbol != snap.Symbol || o.ExitTimestamp == "" {
			continue
		}
		exitAt, err := time.Parse(time.RFC3339, o.ExitTimestamp)
		if err != nil {
			continue
		}
		diff := snapAt.Sub(exitAt)
		if diff < 0 {
			diff = -diff
		}
		if diff <= m.window {
			return i, true
		}
	}
	return 0, false
}

// Reconciler joins exit snapshots to outcomes through an ordered chain of
// matcher strategies.
type Reconciler struct {
	matchers []matcher
}

// NewReconciler builds the standard chain. windowSeconds <= 0 falls back
// to the 300s default.
func NewReconciler(windowSeconds int) *Reconciler {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}
	return &Reconciler{matchers: []matcher{
		exactIDMatcher{},
		entrySurrogateMatcher{},
		windowMatcher{window: time.Duration(windowSeconds) * time.Second},
	}}
}

// ReconcileExitSnapshots attempts to pair every exit-lifecycle snapshot
// with an outcome, escalating through the matcher chain. Each outcome is
// consumed by at most one snapshot. The result is diagnostic only.
func (r *Reconciler) ReconcileExitSnapshots(snaps []SnapshotRecord, outcomes []Outcome) ([]Match, Stats) {
	stats := Stats{UnmatchedReasons: map[string]int{}}
	used := map[int]bool{}
	var matches []Match

	for _, snap := range snaps {
		if snap.LifecycleEvent != EventExitDecision && snap.LifecycleEvent != EventExitFill {
			continue
		}

		matched := false
		for _, m := range r.matchers {
			idx, ok := m.match(snap, outcomes, used)
			if !ok {
				continue
			}
			used[idx] = true
			matches = append(matches, Match{Snapshot: snap, Outcome: outcomes[idx], Strategy: m.name()})
			if m.primary() {
				stats.MatchedByPrimaryID++
			} else {
				stats.MatchedBySurrogate++
			}
			matched = true
			break
		}
		if matched {
			continue
		}

		stats.Unmatched++
		stats.UnmatchedReasons[unmatchedReason(snap)]++
	}

	observ.Log("exit_join_reconciled", map[string]any{
		"matched_by_primary_id": stats.MatchedByPrimaryID,
		"matched_by_surrogate":  stats.MatchedBySurrogate,
		"unmatched":             stats.Unmatched,
	})
	return matches, stats
}

// unmatchedReason classifies why no strategy matched: a present-but-unknown
// id beats the surrogate explanations, and a missing entry timestamp beats
// a generic surrogate miss.
func unmatchedReason(snap SnapshotRecord) string {
	if snap.TradeID != "" {
		return ReasonIDNotFound
	}
	if EntryTimestampOf(snap) == "" {
		return ReasonMissingEntryTimestamp
	}
	return ReasonSurrogateNoMatch
}

// timestampsEqual compares two timestamps at second precision when both
// parse, falling back to string equality.
func timestampsEqual(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA == nil && errB == nil {
		return ta.Unix() == tb.Unix()
	}
	return a == b
}
