// Package join correlates decision-time snapshots with downstream outcomes
// across streams that don't reliably share a primary key. It is purely
// observational: nothing here influences trading behavior, it only feeds
// the offline learning loop with matched pairs and gap counters.
package join

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lifecycle events recorded in snapshots.
const (
	EventEntryDecision = "ENTRY_DECISION"
	EventEntryFill     = "ENTRY_FILL"
	EventExitDecision  = "EXIT_DECISION"
	EventExitFill      = "EXIT_FILL"
)

// JoinSource tags which precedence tier produced a key, for observability.
type JoinSource string

const (
	SourcePositionID JoinSource = "position_id"
	SourceTradeID    JoinSource = "trade_id"
	SourceSurrogate  JoinSource = "surrogate"
	SourceFallback   JoinSource = "fallback"
	SourceUnknown    JoinSource = "unknown"
)

// DefaultBucketSeconds quantizes surrogate timestamps so near-simultaneous
// events collide regardless of sub-second jitter.
const DefaultBucketSeconds = 60

const keyDelim = "|"

// unknownKey is the sentinel when neither symbol nor timestamp is usable.
const unknownKey = "unknown"

// SnapshotRecord is one immutable decision-time telemetry record, written
// once per lifecycle event to the snapshot audit log.
type SnapshotRecord struct {
	Timestamp      string             `json:"timestamp"` // RFC3339
	Symbol         string             `json:"symbol"`
	Side           string             `json:"side,omitempty"`
	LifecycleEvent string             `json:"lifecycle_event"`
	Mode           string             `json:"mode,omitempty"` // paper | live
	TradeID        string             `json:"trade_id,omitempty"`
	PositionID     string             `json:"position_id,omitempty"`
	IntentID       string             `json:"intent_id,omitempty"`
	EntryTimestamp string             `json:"entry_timestamp,omitempty"`
	RegimeLabel    string             `json:"regime_label,omitempty"`
	CompositeScore float64            `json:"composite_score"`
	Components     map[string]float64 `json:"components,omitempty"`
	Notes          string             `json:"notes,omitempty"`
}

// Key is a join key plus the precedence tier that produced it.
type Key struct {
	Value  string     `json:"value"`
	Source JoinSource `json:"join_source"`
}

// Resolver builds deterministic join keys from snapshot records.
type Resolver struct {
	bucketSeconds int64
}

// NewResolver returns a resolver with the given time-bucket width;
// widths <= 0 fall back to the default 60s.
func NewResolver(bucketSeconds int) *Resolver {
	if bucketSeconds <= 0 {
		bucketSeconds = DefaultBucketSeconds
	}
	return &Resolver{bucketSeconds: int64(bucketSeconds)}
}

// BuildJoinKey resolves a key by three-tier precedence: stable identifier,
// surrogate from coarse fields, then fallback. Identical inputs always
// yield an identical key and source.
func (r *Resolver) BuildJoinKey(rec SnapshotRecord) Key {
	if rec.PositionID != "" {
		return Key{Value: rec.PositionID, Source: SourcePositionID}
	}
	if isWellFormedLiveID(rec.TradeID) {
		return Key{Value: rec.TradeID, Source: SourceTradeID}
	}
	if rec.Symbol != "" && rec.Timestamp != "" {
		if bucket, ok := r.bucketTimestamp(rec.Timestamp); ok {
			parts := []string{rec.Symbol, rec.Side, bucket, rec.LifecycleEvent}
			if rec.IntentID != "" {
				parts = append(parts, shortID(rec.IntentID))
			}
			return Key{Value: strings.Join(parts, keyDelim), Source: SourceSurrogate}
		}
	}
	return r.fallbackKey(rec)
}

// BuildExitJoinKey resolves a key for exit-lifecycle snapshots. Same tiers
// as BuildJoinKey with the exit lifecycle tag pinned, so entry and exit
// events for the same bucket never collide with each other.
func (r *Resolver) BuildExitJoinKey(rec SnapshotRecord) Key {
	if rec.LifecycleEvent == "" {
		rec.LifecycleEvent = EventExitFill
	}
	return r.BuildJoinKey(rec)
}

func (r *Resolver) fallbackKey(rec SnapshotRecord) Key {
	switch {
	case rec.Symbol != "" && rec.Timestamp != "":
		return Key{Value: rec.Symbol + keyDelim + truncateTimestamp(rec.Timestamp), Source: SourceFallback}
	case rec.Symbol != "":
		return Key{Value: rec.Symbol, Source: SourceFallback}
	default:
		return Key{Value: unknownKey, Source: SourceUnknown}
	}
}

// bucketTimestamp quantizes an RFC3339 timestamp to the bucket width:
// integer-divide epoch seconds, multiply back, format. Deterministic, so
// two events inside one bucket produce the same component.
func (r *Resolver) bucketTimestamp(ts string) (string, bool) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "", false
	}
	bucket := t.Unix() / r.bucketSeconds * r.bucketSeconds
	return strconv.FormatInt(bucket, 10), true
}

// isWellFormedLiveID reports whether a trade id looks like
// live:<SYMBOL>:<entry_timestamp> with a parseable timestamp part.
func isWellFormedLiveID(id string) bool {
	if !strings.HasPrefix(id, "live:") {
		return false
	}
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return false
	}
	if _, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, parts[2])
	return err == nil
}

// truncateTimestamp keeps second precision of an RFC3339 string; anything
// unparseable is passed through untouched so the key stays deterministic.
func truncateTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.UTC().Format("2006-01-02T15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// EntryTimestampOf extracts the entry timestamp from a record, preferring
// the explicit field over the live trade id encoding.
func EntryTimestampOf(rec SnapshotRecord) string {
	if rec.EntryTimestamp != "" {
		return rec.EntryTimestamp
	}
	if isWellFormedLiveID(rec.TradeID) {
		parts := strings.SplitN(rec.TradeID, ":", 3)
		return parts[2]
	}
	return ""
}

// String implements fmt.Stringer for log output.
func (k Key) String() string {
	return fmt.Sprintf("%s(%s)", k.Value, k.Source)
}
