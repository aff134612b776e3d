// Package guard implements the pre-trade risk guard. Every proposed order
// passes a fixed-order chain of checks before it may reach a broker; the
// first failing check wins and the order is rejected with an explainable
// reason. The guard never panics and never returns an error to the trading
// path: a malformed order is a rejection, not an exception.
package guard

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantbot/trading-core/internal/audit"
	"github.com/quantbot/trading-core/internal/observ"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// AccountSnapshot is the account context supplied with a proposal. Values
// come from the broker; the guard does not fetch them itself.
type AccountSnapshot struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

// OrderProposal is an order candidate awaiting approval.
type OrderProposal struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Qty            int             `json:"qty"`
	IntendedPrice  float64         `json:"intended_price"`
	LastKnownPrice float64         `json:"last_known_price"`
	Account        AccountSnapshot `json:"account"`
}

// Notional is the order value at the intended price.
func (p OrderProposal) Notional() float64 {
	return float64(p.Qty) * p.IntendedPrice
}

// PositionView is the state manager's read-only view of current positions.
type PositionView interface {
	// PositionQty returns the signed quantity for a symbol: long positive,
	// short negative, 0 when flat.
	PositionQty(symbol string) float64
	// GrossExposureUSD is the sum of absolute position market values.
	GrossExposureUSD() float64
	// SymbolExposureUSD is the absolute market value held in one symbol.
	SymbolExposureUSD(symbol string) float64
	// LastTradeAt returns the RFC3339 timestamp of the last trade on a
	// symbol, if any. Returned raw so the guard can fail open on parse
	// errors rather than hiding them behind a zero time.
	LastTradeAt(symbol string) (string, bool)
}

// Config holds all guard thresholds. Everything is overridable; defaults
// are applied by the config loader.
type Config struct {
	MaxPositionSizeUSD           float64 `yaml:"max_position_size_usd" json:"max_position_size_usd" default:"5000" validate:"gt=0"`
	MaxPortfolioExposurePct      float64 `yaml:"max_portfolio_exposure_pct" json:"max_portfolio_exposure_pct" default:"0.30" validate:"gt=0,lte=1"`
	MaxNotionalPerOrder          float64 `yaml:"max_notional_per_order" json:"max_notional_per_order" default:"2000" validate:"gt=0"`
	MaxConcentrationPerSymbolPct float64 `yaml:"max_concentration_per_symbol_pct" json:"max_concentration_per_symbol_pct" default:"0.15" validate:"gt=0,lte=1"`
	MaxPriceDeviationPct         float64 `yaml:"max_price_deviation_pct" json:"max_price_deviation_pct" default:"0.05" validate:"gt=0,lte=1"`
	MinCooldownMinutes           int     `yaml:"min_cooldown_minutes" json:"min_cooldown_minutes" default:"5" validate:"gte=0"`
	AllowDirectionFlip           bool    `yaml:"allow_direction_flip" json:"allow_direction_flip" default:"false"`
}

// Overrides are per-call tightenings of the configured policy.
type Overrides struct {
	MaxQty         int      `json:"max_qty,omitempty"`
	BlockedSymbols []string `json:"blocked_symbols,omitempty"`
}

// Verdict is the guard's decision on one proposal.
type Verdict struct {
	Approved   bool      `json:"approved"`
	Reason     string    `json:"reason"`
	Check      string    `json:"check,omitempty"` // failing check name when rejected
	DecisionID string    `json:"decision_id"`
	At         time.Time `json:"at"`
}

// RejectionRecord is appended to the rejection audit log.
type RejectionRecord struct {
	At            time.Time `json:"at"`
	DecisionID    string    `json:"decision_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           int       `json:"qty"`
	IntendedPrice float64   `json:"intended_price"`
	Notional      float64   `json:"notional"`
	Check         string    `json:"check"`
	Reason        string    `json:"reason"`
}

// Guard evaluates order proposals against the configured limits and the
// current position view.
type Guard struct {
	cfg        Config
	positions  PositionView
	rejections *audit.Writer // optional
	now        func() time.Time
}

// New creates a guard. rejections may be nil to disable the audit log.
func New(cfg Config, positions PositionView, rejections *audit.Writer) *Guard {
	return &Guard{cfg: cfg, positions: positions, rejections: rejections, now: time.Now}
}

// check is one link of the fixed-order evaluation chain.
type check struct {
	name string
	fn   func(g *Guard, p OrderProposal, ov Overrides) (ok bool, reason string)
}

// Order matters: cheap structural checks first, capital checks in the
// middle, time-based checks last.
var checks = []check{
	{"validity", checkValidity},
	{"notional", checkNotional},
	{"position_size", checkPositionSize},
	{"direction_flip", checkDirectionFlip},
	{"exposure", checkExposure},
	{"buying_power", checkBuyingPower},
	{"price_deviation", checkPriceDeviation},
	{"cooldown", checkCooldown},
}

// EvaluateOrder runs the full check chain. The first failure produces a
// rejected verdict, an audit record and a metrics increment.
func (g *Guard) EvaluateOrder(p OrderProposal, overrides ...Overrides) Verdict {
	var ov Overrides
	if len(overrides) > 0 {
		ov = overrides[0]
	}

	v := Verdict{DecisionID: uuid.NewString(), At: g.now().UTC()}
	for _, c := range checks {
		ok, reason := c.fn(g, p, ov)
		if ok {
			continue
		}
		v.Approved = false
		v.Check = c.name
		v.Reason = reason
		g.recordRejection(p, v)
		return v
	}
	v.Approved = true
	v.Reason = "all checks passed"
	return v
}

func (g *Guard) recordRejection(p OrderProposal, v Verdict) {
	observ.IncCounter("order_rejections_total", map[string]string{"check": v.Check})
	observ.Log("order_rejected", map[string]any{
		"symbol": p.Symbol, "side": string(p.Side), "qty": p.Qty,
		"check": v.Check, "reason": v.Reason, "decision_id": v.DecisionID,
	})
	if g.rejections == nil {
		return
	}
	rec := RejectionRecord{
		At:            v.At,
		DecisionID:    v.DecisionID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Qty:           p.Qty,
		IntendedPrice: p.IntendedPrice,
		Notional:      p.Notional(),
		Check:         v.Check,
		Reason:        v.Reason,
	}
	if err := g.rejections.Append(rec); err != nil {
		observ.Error("rejection_audit_write_failed", err, map[string]any{"symbol": p.Symbol})
	}
}

// signedQty maps a proposal onto the signed position convention.
func signedQty(p OrderProposal) float64 {
	if p.Side == SideSell {
		return -float64(p.Qty)
	}
	return float64(p.Qty)
}

func checkValidity(g *Guard, p OrderProposal, ov Overrides) (bool, string) {
	if strings.TrimSpace(p.Symbol) == "" {
		return false, "empty symbol"
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return false, fmt.Sprintf("invalid side %q", p.Side)
	}
	if p.Qty <= 0 {
		return false, fmt.Sprintf("qty must be a positive integer, got %d", p.Qty)
	}
	if p.IntendedPrice <= 0 {
		return false, fmt.Sprintf("price must be positive, got %.4f", p.IntendedPrice)
	}
	for _, blocked := range ov.BlockedSymbols {
		if strings.EqualFold(blocked, p.Symbol) {
			return false, fmt.Sprintf("symbol %s is blocked for this call", p.Symbol)
		}
	}
	if ov.MaxQty > 0 && p.Qty > ov.MaxQty {
		return false, fmt.Sprintf("qty %d exceeds per-call max_qty %d", p.Qty, ov.MaxQty)
	}
	return true, ""
}

func checkNotional(g *Guard, p OrderProposal, _ Overrides) (bool, string) {
	if n := p.Notional(); n > g.cfg.MaxNotionalPerOrder {
		return false, fmt.Sprintf("order notional %.2f exceeds max notional per order %.2f", n, g.cfg.MaxNotionalPerOrder)
	}
	return true, ""
}

func checkPositionSize(g *Guard, p OrderProposal, _ Overrides) (bool, string) {
	current := g.positions.PositionQty(p.Symbol)
	projected := current + signedQty(p)
	projectedUSD := absF(projected) * p.IntendedPrice
	if projectedUSD > g.cfg.MaxPositionSizeUSD {
		return false, fmt.Sprintf("projected position %.2f USD exceeds max position size %.2f", projectedUSD, g.cfg.MaxPositionSizeUSD)
	}
	return true, ""
}

func checkDirectionFlip(g *Guard, p OrderProposal, _ Overrides) (bool, string) {
	if g.cfg.AllowDirectionFlip {
		return true, ""
	}
	current := g.positions.PositionQty(p.Symbol)
	if current == 0 {
		return true, ""
	}
	opposite := (current > 0 && p.Side == SideSell) || (current < 0 && p.Side == SideBuy)
	if !opposite {
		return true, ""
	}
	// qty equal to the current position is already a full unwind; reject at
	// the boundary, not only beyond it.
	if float64(p.Qty) >= absF(current) {
		return false, fmt.Sprintf("order qty %d would flip direction on position of %.0f and flips are disallowed", p.Qty, absF(current))
	}
	return true, ""
}

func checkExposure(g *Guard, p OrderProposal, _ Overrides) (bool, string) {
	current := g.positions.PositionQty(p.Symbol)
	increases := current == 0 || signedQty(p)*current > 0 || float64(p.Qty) > absF(current)
	if !increases {
		return true, "" // pure reductions never add exposure
	}

	equity := p.Account.Equity
	if equity <= 0 {
		return false, "account equity unavailable, cannot size exposure"
	}

	symbolExp := g.positions.SymbolExposureUSD(p.Symbol)
	grossExp := g.positions.GrossExposureUSD()

	var projectedSymbol float64
	if signedQty(p)*current >= 0 {
		projectedSymbol = symbolExp + p.Notional()
	} else {
		// flip: residual position on the other side
		projectedSymbol = (float64(p.Qty) - absF(current)) * p.IntendedPrice
	}
	projectedGross := grossExp - symbolExp + projectedSymbol

	if pct := projectedGross / equity; pct > g.cfg.MaxPortfolioExposurePct {
		return false, fmt.Sprintf("projected portfolio exposure %.1f%% exceeds cap %.1f%%", pct*100, g.cfg.MaxPortfolioExposurePct*100)
	}
	if pct := projectedSymbol / equity; pct > g.cfg.MaxConcentrationPerSymbolPct {
		return false, fmt.Sprintf("projected concentration %.1f%% in %s exceeds cap %.1f%%", pct*100, p.Symbol, g.cfg.MaxConcentrationPerSymbolPct*100)
	}
	return true, ""
}

func checkBuyingPower(g *Guard, p OrderProposal, _ Overrides) (bool, string) {
	if p.Side != SideBuy {
		return true, ""
	}
	if n := p.Notional(); n > p.Account.BuyingPower {
		return false, fmt.Sprintf("buy notional %.2f exceeds buying power %.2f", n, p.Account.BuyingPower)
	}
	return true, ""
}

func checkPriceDeviation(g *Guard, p OrderProposal, _ Overrides) (bool, string) {
	if p.LastKnownPrice <= 0 {
		return true, "" // no reference price to sanity-check against
	}
	dev := absF(p.IntendedPrice-p.LastKnownPrice) / p.LastKnownPrice
	if dev > g.cfg.MaxPriceDeviationPct {
		return false, fmt.Sprintf("price deviation %.2f%% from last known price exceeds %.2f%%", dev*100, g.cfg.MaxPriceDeviationPct*100)
	}
	return true, ""
}

func checkCooldown(g *Guard, p OrderProposal, _ Overrides) (bool, string) {
	ts, ok := g.positions.LastTradeAt(p.Symbol)
	if !ok || ts == "" {
		return true, ""
	}
	last, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		// Fail open: a corrupt timestamp must not block trading.
		observ.Warn("cooldown_timestamp_unparseable", map[string]any{"symbol": p.Symbol, "value": ts})
		return true, ""
	}
	elapsed := g.now().Sub(last)
	required := time.Duration(g.cfg.MinCooldownMinutes) * time.Minute
	if elapsed < required {
		remaining := required - elapsed
		return false, fmt.Sprintf("cooldown active on %s, %s remaining of %d minute minimum", p.Symbol, remaining.Round(time.Second), g.cfg.MinCooldownMinutes)
	}
	return true, ""
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
