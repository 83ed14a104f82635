package signals

import (
	"context"
	"fmt"
	"math"
	"time"
)

// FlowKind says whether a whale transfer moved into or out of the asset
type FlowKind string

const (
	FlowInflow  FlowKind = "inflow"
	FlowOutflow FlowKind = "outflow"
)

// WhaleFlow is one large transfer
type WhaleFlow struct {
	Kind         FlowKind  `json:"kind"`
	AmountUSD    float64   `json:"amount_usd"`
	Significance float64   `json:"significance"` // 0-1, how unusual the transfer is for the wallet
	Timestamp    time.Time `json:"timestamp"`
}

// FlowSource nets significance-weighted inflows against outflows
type FlowSource struct {
	maxAge    time.Duration
	threshold float64
	now       func() time.Time
	flows     *series[WhaleFlow]
}

// NewFlowSource keeps capacity transfers per symbol and considers those newer than maxAge
func NewFlowSource(capacity int, maxAge time.Duration, threshold float64) *FlowSource {
	if capacity <= 0 {
		capacity = 200
	}
	if maxAge <= 0 {
		maxAge = 4 * time.Hour
	}
	if threshold <= 0 {
		threshold = 0.1
	}
	return &FlowSource{
		maxAge:    maxAge,
		threshold: threshold,
		now:       time.Now,
		flows:     newSeries[WhaleFlow](capacity),
	}
}

// Name implements Source
func (f *FlowSource) Name() string { return "flow" }

// Record appends w for symbol
func (f *FlowSource) Record(symbol string, w WhaleFlow) error {
	if w.Kind != FlowInflow && w.Kind != FlowOutflow {
		return fmt.Errorf("invalid flow kind %q", w.Kind)
	}
	if math.IsNaN(w.AmountUSD) || math.IsInf(w.AmountUSD, 0) || w.AmountUSD < 0 {
		return fmt.Errorf("invalid flow amount: %v", w.AmountUSD)
	}
	if math.IsNaN(w.Significance) || w.Significance < 0 || w.Significance > 1 {
		return fmt.Errorf("significance out of range: %v", w.Significance)
	}
	f.flows.push(symbol, w)
	return nil
}

// Signal implements Source. The net ratio (in - out) / (in + out) sets direction and strength.
func (f *FlowSource) Signal(_ context.Context, symbol string) (Option[ComponentSignal], error) {
	cutoff := f.now().Add(-f.maxAge)

	var in, out float64
	for _, w := range f.flows.snapshot(symbol) {
		if w.Timestamp.Before(cutoff) {
			continue
		}
		weighted := w.AmountUSD * w.Significance
		if w.Kind == FlowInflow {
			in += weighted
		} else {
			out += weighted
		}
	}
	gross := in + out
	if gross == 0 {
		return None[ComponentSignal](), nil
	}
	net := (in - out) / gross
	return Some(ComponentSignal{
		Direction: directionFor(net, f.threshold),
		Strength:  clampUnit(math.Abs(net)),
	}), nil
}
