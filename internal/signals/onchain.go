package signals

import (
	"context"
	"fmt"
	"time"
)

// OnChainMetric is a tagged on-chain observation (exchange reserves, active addresses, ...)
type OnChainMetric struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
}

// OnChainSource takes a majority vote over recent metrics
type OnChainSource struct {
	maxAge     time.Duration
	minMetrics int
	now        func() time.Time
	metrics    *series[OnChainMetric]
}

// NewOnChainSource keeps capacity metrics per symbol and votes over those newer than maxAge
func NewOnChainSource(capacity int, maxAge time.Duration, minMetrics int) *OnChainSource {
	if capacity <= 0 {
		capacity = 50
	}
	if maxAge <= 0 {
		maxAge = 6 * time.Hour
	}
	if minMetrics <= 0 {
		minMetrics = 3
	}
	return &OnChainSource{
		maxAge:     maxAge,
		minMetrics: minMetrics,
		now:        time.Now,
		metrics:    newSeries[OnChainMetric](capacity),
	}
}

// Name implements Source
func (o *OnChainSource) Name() string { return "onchain" }

// Record appends m for symbol
func (o *OnChainSource) Record(symbol string, m OnChainMetric) error {
	switch m.Direction {
	case Bullish, Bearish, Neutral:
	default:
		return fmt.Errorf("invalid on-chain direction %q", m.Direction)
	}
	o.metrics.push(symbol, m)
	return nil
}

// Signal implements Source. Strength is the winning share of votes; a tie between bullish and
// bearish is neutral.
func (o *OnChainSource) Signal(_ context.Context, symbol string) (Option[ComponentSignal], error) {
	cutoff := o.now().Add(-o.maxAge)

	var bull, bear, neutral int
	for _, m := range o.metrics.snapshot(symbol) {
		if m.Timestamp.Before(cutoff) {
			continue
		}
		switch m.Direction {
		case Bullish:
			bull++
		case Bearish:
			bear++
		default:
			neutral++
		}
	}
	total := bull + bear + neutral
	if total < o.minMetrics {
		return None[ComponentSignal](), nil
	}

	switch {
	case bull > bear && bull >= neutral:
		return Some(ComponentSignal{Direction: Bullish, Strength: float64(bull) / float64(total)}), nil
	case bear > bull && bear >= neutral:
		return Some(ComponentSignal{Direction: Bearish, Strength: float64(bear) / float64(total)}), nil
	default:
		return Some(ComponentSignal{Direction: Neutral, Strength: float64(neutral) / float64(total)}), nil
	}
}
