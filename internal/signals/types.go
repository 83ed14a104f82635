package signals

import (
	"fmt"
	"math"
	"time"
)

// Direction is the directional read of a source or aggregate
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
	Neutral Direction = "neutral"
)

// Strength bands the gap between fused bullish and bearish scores
type Strength string

const (
	Weak       Strength = "weak"
	Moderate   Strength = "moderate"
	Strong     Strength = "strong"
	VeryStrong Strength = "very_strong"
)

// Action is the recommended trade action for an aggregate
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
	ActionWait Action = "wait"
)

// RiskLevel tiers an aggregate by volatility
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ComponentSignal is one source's directional read with strength in [0,1]
type ComponentSignal struct {
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"`
}

// ComponentWeights are the fusion weights per source
type ComponentWeights struct {
	Price     float64 `json:"price" yaml:"price"`
	Sentiment float64 `json:"sentiment" yaml:"sentiment"`
	OnChain   float64 `json:"onchain" yaml:"onchain"`
	Flow      float64 `json:"flow" yaml:"flow"`
}

// DefaultWeights returns price 0.35, sentiment 0.25, on-chain 0.20, flow 0.20
func DefaultWeights() ComponentWeights {
	return ComponentWeights{Price: 0.35, Sentiment: 0.25, OnChain: 0.20, Flow: 0.20}
}

// Sum returns the total weight
func (w ComponentWeights) Sum() float64 {
	return w.Price + w.Sentiment + w.OnChain + w.Flow
}

// Validate rejects negative or non-finite weights and an all-zero set
func (w ComponentWeights) Validate() error {
	for name, v := range map[string]float64{"price": w.Price, "sentiment": w.Sentiment, "onchain": w.OnChain, "flow": w.Flow} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("invalid %s weight: %v", name, v)
		}
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("component weights sum to zero")
	}
	return nil
}

// Normalized scales the weights to sum to 1.0. An all-zero set falls back to the defaults.
func (w ComponentWeights) Normalized() ComponentWeights {
	sum := w.Sum()
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return DefaultWeights().Normalized()
	}
	return ComponentWeights{
		Price:     w.Price / sum,
		Sentiment: w.Sentiment / sum,
		OnChain:   w.OnChain / sum,
		Flow:      w.Flow / sum,
	}
}

// MarketSignalAggregate is one fused cross-source signal for a symbol. It is immutable once
// built and identified by SignalID for idempotent replay.
type MarketSignalAggregate struct {
	SignalID       string    `json:"signal_id"`
	Symbol         string    `json:"symbol"`
	OverallSignal  Direction `json:"overall_signal"`
	SignalStrength Strength  `json:"signal_strength"`
	Confidence     float64   `json:"confidence"`

	PriceSignal     Option[ComponentSignal] `json:"price_signal"`
	SentimentSignal Option[ComponentSignal] `json:"sentiment_signal"`
	OnChainSignal   Option[ComponentSignal] `json:"onchain_signal"`
	FlowSignal      Option[ComponentSignal] `json:"flow_signal"`

	ComponentWeights     ComponentWeights `json:"component_weights"`
	Volatility           *float64         `json:"volatility"`
	RiskLevel            RiskLevel        `json:"risk_level"`
	RecommendedAction    Action           `json:"recommended_action"`
	PositionSizeModifier float64          `json:"position_size_modifier"`
	Timestamp            time.Time        `json:"timestamp"`
}

// IsStrong reports whether the aggregate belongs on the strong-signal topic
func (a *MarketSignalAggregate) IsStrong() bool {
	return a.SignalStrength == Strong || a.SignalStrength == VeryStrong
}
