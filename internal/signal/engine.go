package signal

import "strings"

// Regime is a coarse market-condition label used to re-weight signals.
type Regime string

const (
	RegimeBull    Regime = "BULL"
	RegimeBear    Regime = "BEAR"
	RegimeRange   Regime = "RANGE"
	RegimeMixed   Regime = "MIXED"
	RegimeUnknown Regime = "UNKNOWN"
)

// ParseRegime normalizes a free-form label; anything unrecognized is UNKNOWN.
func ParseRegime(s string) Regime {
	switch Regime(strings.ToUpper(strings.TrimSpace(s))) {
	case RegimeBull:
		return RegimeBull
	case RegimeBear:
		return RegimeBear
	case RegimeRange:
		return RegimeRange
	case RegimeMixed:
		return RegimeMixed
	default:
		return RegimeUnknown
	}
}

// Canonical signal names. These are the keys of RawSignals and of the
// weight tables; unknown keys in either map contribute nothing.
const (
	SigTrend         = "trend"
	SigMomentum      = "momentum"
	SigVolatility    = "volatility"
	SigRegime        = "regime"
	SigSector        = "sector"
	SigReversal      = "reversal"
	SigBreakout      = "breakout"
	SigMeanReversion = "mean_reversion"
)

var signalNames = []string{
	SigTrend, SigMomentum, SigVolatility, SigRegime,
	SigSector, SigReversal, SigBreakout, SigMeanReversion,
}

// RawSignals maps signal name -> value, each strictly in [-1, 1].
type RawSignals map[string]float64

// Weights maps signal name -> blend weight.
type Weights map[string]float64

// GateContext carries the multiplicative damping factors applied to the
// weighted blend. Composite is always clamped to [0.1, 1.0].
type GateContext struct {
	VolatilityGate  float64 `json:"volatility_gate"`
	RegimeGate      float64 `json:"regime_gate"`
	SectorAlignment float64 `json:"sector_alignment_multiplier"`
	CompositeGate   float64 `json:"composite_gate"`
}

// Engine computes bounded trading signals from price history. All methods
// are pure and total: insufficient or degenerate input yields a neutral
// value, never a panic or an error. An Engine is cheap; callers own their
// instances, there is no shared package state.
type Engine struct {
	base Weights
}

// NewEngine returns an engine with the default base weight table.
func NewEngine() *Engine {
	return &Engine{base: Weights{
		SigTrend:         0.25,
		SigMomentum:      0.20,
		SigVolatility:    0.10,
		SigRegime:        0.10,
		SigSector:        0.10,
		SigReversal:      0.10,
		SigBreakout:      0.10,
		SigMeanReversion: 0.05,
	}}
}

// NewEngineWithWeights returns an engine using a caller-supplied base table.
func NewEngineWithWeights(base Weights) *Engine {
	e := &Engine{base: Weights{}}
	for k, v := range base {
		e.base[k] = v
	}
	return e
}

// TrendSignal compares EMA12 against EMA26. Needs 26 bars.
func (e *Engine) TrendSignal(s Series) float64 {
	if len(s) < 26 {
		return 0
	}
	ema12 := s.EMA(12)
	ema26 := s.EMA(26)
	if ema26 == 0 {
		return 0
	}
	raw := (ema12 - ema26) / abs(ema26) * 10
	return clamp(raw, -1, 1)
}

// MomentumSignal is the percent change over min(14, len-1) bars, scaled x5.
func (e *Engine) MomentumSignal(s Series) float64 {
	if len(s) < 5 {
		return 0
	}
	lookback := 14
	if len(s)-1 < lookback {
		lookback = len(s) - 1
	}
	base := s[len(s)-1-lookback]
	if base <= 0 {
		return 0
	}
	raw := (s.Last() - base) / base * 5
	return clamp(raw, -1, 1)
}

// Volatility buckets for the standard deviation of returns. Below chopFloor
// the tape is dead, between chopFloor and healthyFloor it is chop, the
// [healthyFloor, healthyCeil] band is tradeable, decay runs out at chaosFloor.
const (
	volDeadFloor    = 1e-9
	volHealthyFloor = 0.002
	volHealthyCeil  = 0.03
	volChaosFloor   = 0.05
)

// VolatilitySignal maps return volatility into [-1, 1]: negative for chop
// or chaos, positive for a healthy band.
func (e *Engine) VolatilitySignal(s Series) float64 {
	if len(s) < 5 {
		return 0
	}
	sd := stdDevOf(s.Returns())
	switch {
	case sd < volDeadFloor:
		return -1.0
	case sd < volHealthyFloor:
		// chop: interpolate (-1, 0) as volatility approaches the healthy band
		return clamp(-1.0+sd/volHealthyFloor, -1, 0)
	case sd <= volHealthyCeil:
		// healthy: interpolate (0, 1]
		return clamp((sd-volHealthyFloor)/(volHealthyCeil-volHealthyFloor), 0, 1)
	case sd <= volChaosFloor:
		// elevated: decay back toward 0
		return clamp(1.0-(sd-volHealthyCeil)/(volChaosFloor-volHealthyCeil), 0, 1)
	default:
		return -1.0 // chaos
	}
}

// RegimeSignal maps the regime label onto a directional bias.
func (e *Engine) RegimeSignal(label Regime) float64 {
	switch label {
	case RegimeBull:
		return 1.0
	case RegimeBear:
		return -1.0
	default:
		return 0
	}
}

// SectorSignal passes sector momentum through, bounded.
func (e *Engine) SectorSignal(sectorMomentum float64) float64 {
	return clamp(sectorMomentum, -1, 1)
}

// ReversalSignal scores RSI(14) extremes: oversold depth positive,
// overbought depth negative. Needs 16 bars.
func (e *Engine) ReversalSignal(s Series) float64 {
	if len(s) < 16 {
		return 0
	}
	rsi := s.RSI(14)
	switch {
	case rsi <= 30:
		return clamp((30-rsi)/30, 0, 1)
	case rsi >= 70:
		return clamp(-(rsi-70)/30, -1, 0)
	default:
		return 0
	}
}

// BreakoutSignal is the normalized position of the current price against
// the prior 20-bar high/low midpoint. Needs 21 bars.
func (e *Engine) BreakoutSignal(s Series) float64 {
	if len(s) < 21 {
		return 0
	}
	window := s[len(s)-21 : len(s)-1]
	hi, lo := window[0], window[0]
	for _, v := range window {
		if v > hi {
			hi = v
		}
		if v < lo {
			lo = v
		}
	}
	halfSpan := (hi - lo) / 2
	if halfSpan < 1e-12 {
		return 0
	}
	mid := (hi + lo) / 2
	return clamp((s.Last()-mid)/halfSpan, -1, 1)
}

// MeanReversionSignal is the negated half z-score against the 20-period
// SMA. Needs 20 bars.
func (e *Engine) MeanReversionSignal(s Series) float64 {
	if len(s) < 20 {
		return 0
	}
	sma := s.SMA(20)
	sd := s.StdDev(20)
	if sd < 1e-12 {
		return 0
	}
	z := (s.Last() - sma) / sd
	return clamp(-z/2, -1, 1)
}

// BuildRawSignals computes all eight signals for one symbol.
func (e *Engine) BuildRawSignals(s Series, label Regime, sectorMomentum float64) RawSignals {
	return RawSignals{
		SigTrend:         e.TrendSignal(s),
		SigMomentum:      e.MomentumSignal(s),
		SigVolatility:    e.VolatilitySignal(s),
		SigRegime:        e.RegimeSignal(label),
		SigSector:        e.SectorSignal(sectorMomentum),
		SigReversal:      e.ReversalSignal(s),
		SigBreakout:      e.BreakoutSignal(s),
		SigMeanReversion: e.MeanReversionSignal(s),
	}
}

// RegimeAdjustedWeights scales the base table for the current regime.
// Trending regimes favor continuation signals, everything else favors
// reversion.
func (e *Engine) RegimeAdjustedWeights(label Regime) Weights {
	w := Weights{}
	for k, v := range e.base {
		w[k] = v
	}
	switch label {
	case RegimeBull:
		w[SigTrend] *= 1.3
		w[SigMomentum] *= 1.2
		w[SigBreakout] *= 1.2
		w[SigReversal] *= 0.7
		w[SigMeanReversion] *= 0.7
	case RegimeBear:
		w[SigTrend] *= 1.3
		w[SigMomentum] *= 1.2
		w[SigReversal] *= 1.2
		w[SigMeanReversion] *= 0.7
	default:
		w[SigReversal] *= 1.3
		w[SigMeanReversion] *= 1.3
		w[SigTrend] *= 0.7
		w[SigBreakout] *= 0.7
	}
	return w
}

// SectorAlignmentMultiplier boosts when sector and trend agree, damps when
// they fight, and stays neutral when both are flat.
func (e *Engine) SectorAlignmentMultiplier(sig RawSignals) float64 {
	sector := sig[SigSector]
	trend := sig[SigTrend]
	if sector == 0 && trend == 0 {
		return 1.0
	}
	if sector*trend > 0 {
		return 1.2
	}
	if sector*trend < 0 {
		return 0.5
	}
	return 1.0
}

// VolatilityGate throttles hard in chop/chaos and mildly at the hot end of
// the healthy band.
func (e *Engine) VolatilityGate(sig RawSignals) float64 {
	v := sig[SigVolatility]
	switch {
	case v < 0:
		return 0.25
	case v > 0.7:
		return 0.5
	default:
		return 1.0
	}
}

// RegimeGate halves conviction when trend and momentum both contradict a
// directional regime label.
func (e *Engine) RegimeGate(sig RawSignals, label Regime) float64 {
	trend := sig[SigTrend]
	momentum := sig[SigMomentum]
	switch label {
	case RegimeBull:
		if trend < 0 && momentum < 0 {
			return 0.5
		}
	case RegimeBear:
		if trend > 0 && momentum > 0 {
			return 0.5
		}
	}
	return 1.0
}

// CompositeGate multiplies the individual gates and clamps the result into
// [0.1, 1.0] so the composite can damp but never fully mute a signal.
func (e *Engine) CompositeGate(sig RawSignals, label Regime) GateContext {
	gc := GateContext{
		VolatilityGate:  e.VolatilityGate(sig),
		RegimeGate:      e.RegimeGate(sig, label),
		SectorAlignment: e.SectorAlignmentMultiplier(sig),
	}
	gc.CompositeGate = clamp(gc.VolatilityGate*gc.RegimeGate*gc.SectorAlignment, 0.1, 1.0)
	return gc
}

// WeightedSignalDelta blends the signals under the supplied weights and
// gate. The result is the composite adjustment, clamped to [-0.25, 0.25].
// Missing keys on either side contribute 0.
func (e *Engine) WeightedSignalDelta(sig RawSignals, w Weights, gate float64) float64 {
	sum := 0.0
	for _, name := range signalNames {
		sum += w[name] * sig[name]
	}
	return clamp(gate*sum, -0.25, 0.25)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
