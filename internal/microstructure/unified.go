package microstructure

import (
	"math"
	"time"
)

// SignalGenerator fuses the four analyzers for one symbol into a single directional read
type SignalGenerator struct {
	orderFlow *OrderFlowAnalyzer
	spreads   *BidAskAnalyzer
	depth     *DepthAnalyzer
	vpin      *VPINCalculator
	config    *Config
	now       func() time.Time
}

// NewSignalGenerator wires the analyzers together
func NewSignalGenerator(orderFlow *OrderFlowAnalyzer, spreads *BidAskAnalyzer, depth *DepthAnalyzer, vpin *VPINCalculator, config *Config) *SignalGenerator {
	if config == nil {
		config = DefaultConfig()
	}
	return &SignalGenerator{
		orderFlow: orderFlow,
		spreads:   spreads,
		depth:     depth,
		vpin:      vpin,
		config:    config,
		now:       time.Now,
	}
}

// MicrostructureSignal is produced fresh per request and not persisted here
type MicrostructureSignal struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Signal     Direction `json:"signal"`
	Confidence float64   `json:"confidence"`

	OrderFlowSignal ComponentSignal `json:"order_flow_signal"`
	DepthSignal     ComponentSignal `json:"depth_signal"`
	SpreadSignal    ComponentSignal `json:"spread_signal"`
	ToxicitySignal  ComponentSignal `json:"toxicity_signal"`

	OFI            float64 `json:"ofi"`
	DepthImbalance float64 `json:"depth_imbalance"`
	SpreadQuality  float64 `json:"spread_quality"` // Tightness score scaled to 0-1
	ToxicityRisk   float64 `json:"toxicity_risk"`  // VPIN, 0 without enough buckets

	RecommendedAction string    `json:"recommended_action"`
	RiskLevel         RiskLevel `json:"risk_level"`
}

// Spread quality assumed when no quotes have been seen
const unknownSpreadQuality = 0.5

// Generate pulls current metrics for symbol. Analyzers without data contribute a neutral,
// zero-strength component.
func (g *SignalGenerator) Generate(symbol string) *MicrostructureSignal {
	sig := &MicrostructureSignal{
		Symbol:          symbol,
		Timestamp:       g.now().UTC(),
		OrderFlowSignal: neutralSignal,
		DepthSignal:     neutralSignal,
		SpreadSignal:    neutralSignal,
		ToxicitySignal:  neutralSignal,
		SpreadQuality:   unknownSpreadQuality,
	}

	if m, ok := g.orderFlow.Metrics(symbol, g.config.SignalLookback); ok {
		sig.OFI = m.OFI
		sig.OrderFlowSignal = directional(m.OFI, g.config.OFIThreshold)
	}

	if d, ok := g.depth.DepthImbalance(symbol, g.config.DepthLevels); ok {
		sig.DepthImbalance = d.ImbalanceRatio
		sig.DepthSignal = directional(d.ImbalanceRatio, g.config.DepthImbalanceThresh)
	}

	if b, ok := g.spreads.Metrics(symbol); ok {
		sig.SpreadQuality = b.TightnessScore / 100
		// More resting bid size than ask size reads as support
		sig.SpreadSignal = directional(-b.SizeImbalance, g.config.SizeImbalanceThresh)
	}

	if v, ok := g.vpin.Calculate(symbol); ok {
		sig.ToxicityRisk = v.VPIN
		sig.ToxicitySignal = toxicityComponent(v, g.config.ToxicityFollowMin)
	}

	var buyVotes, sellVotes, neutralVotes int
	for _, c := range []ComponentSignal{sig.OrderFlowSignal, sig.DepthSignal, sig.SpreadSignal, sig.ToxicitySignal} {
		switch c.Direction {
		case DirectionBuy:
			buyVotes++
		case DirectionSell:
			sellVotes++
		default:
			neutralVotes++
		}
	}

	switch {
	case buyVotes >= 2 && buyVotes > sellVotes:
		sig.Signal = DirectionBuy
		sig.Confidence = float64(buyVotes) / 4
	case sellVotes >= 2 && sellVotes > buyVotes:
		sig.Signal = DirectionSell
		sig.Confidence = float64(sellVotes) / 4
	default:
		sig.Signal = DirectionNeutral
		sig.Confidence = float64(neutralVotes) / 4
	}
	if sig.ToxicityRisk > 0.6 {
		sig.Confidence /= 2
	}

	sig.RiskLevel = riskTier(sig.ToxicityRisk, sig.SpreadQuality)
	sig.RecommendedAction = recommend(sig.Signal, sig.Confidence, sig.ToxicityRisk, sig.SpreadQuality)
	return sig
}

// toxicityComponent follows the net direction of informed flow once VPIN is material.
// Below the threshold it stays neutral with strength equal to VPIN.
func toxicityComponent(v *VPINMetrics, followMin float64) ComponentSignal {
	strength := clamp(v.VPIN, 0, 1)
	if v.VPIN < followMin || math.Abs(v.NetImbalance) < 1e-12 {
		return ComponentSignal{Direction: DirectionNeutral, Strength: strength}
	}
	if v.NetImbalance > 0 {
		return ComponentSignal{Direction: DirectionBuy, Strength: strength}
	}
	return ComponentSignal{Direction: DirectionSell, Strength: strength}
}

func riskTier(toxicity, spreadQuality float64) RiskLevel {
	switch {
	case toxicity > 0.6 || spreadQuality < 0.3:
		return RiskHigh
	case toxicity > 0.4 || spreadQuality < 0.5:
		return RiskMedium
	default:
		return RiskLow
	}
}

// recommend is the fixed decision table. Toxic regimes always hold.
func recommend(signal Direction, confidence, toxicity, spreadQuality float64) string {
	switch {
	case toxicity > 0.6:
		return "HOLD - toxic flow detected, avoid directional exposure"
	case spreadQuality < 0.3:
		return "WAIT - spreads unusually wide, poor execution quality"
	}

	switch signal {
	case DirectionBuy:
		if confidence >= 0.75 && toxicity <= 0.4 {
			return "STRONG BUY - order flow, depth and quotes aligned"
		}
		if toxicity > 0.4 {
			return "BUY (CAUTIOUS) - bullish microstructure with elevated toxicity"
		}
		return "BUY - bullish microstructure"
	case DirectionSell:
		if confidence >= 0.75 && toxicity <= 0.4 {
			return "STRONG SELL - order flow, depth and quotes aligned"
		}
		if toxicity > 0.4 {
			return "SELL (CAUTIOUS) - bearish microstructure with elevated toxicity"
		}
		return "SELL - bearish microstructure"
	default:
		return "NEUTRAL - no clear microstructure edge"
	}
}
