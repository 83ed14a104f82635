package signals

import "math"

// Components are the four optional source reads fused into one aggregate
type Components struct {
	Price     Option[ComponentSignal]
	Sentiment Option[ComponentSignal]
	OnChain   Option[ComponentSignal]
	Flow      Option[ComponentSignal]
}

// Present counts components with data
func (c Components) Present() int {
	n := 0
	for _, o := range []Option[ComponentSignal]{c.Price, c.Sentiment, c.OnChain, c.Flow} {
		if o.IsSome() {
			n++
		}
	}
	return n
}

// Fusion is the result of fusing Components
type Fusion struct {
	Direction            Direction
	Strength             Strength
	Confidence           float64
	BullishScore         float64
	BearishScore         float64
	Action               Action
	PositionSizeModifier float64
	RiskLevel            RiskLevel
}

const (
	confidenceFloor     = 0.5
	moderateActionFloor = 0.65
)

// Fuse combines components with weights. Absent components are excluded from the scores and
// lower confidence by their share of the total weight. volatility may be nil.
func Fuse(c Components, weights ComponentWeights, volatility *float64) Fusion {
	w := weights.Normalized()

	var bullish, bearish, present float64
	add := func(o Option[ComponentSignal], weight float64) {
		sig, ok := o.Get()
		if !ok {
			return
		}
		present += weight
		strength := clampUnit(sig.Strength)
		switch sig.Direction {
		case Bullish:
			bullish += weight * strength
		case Bearish:
			bearish += weight * strength
		default:
			bullish += weight / 2
			bearish += weight / 2
		}
	}
	add(c.Price, w.Price)
	add(c.Sentiment, w.Sentiment)
	add(c.OnChain, w.OnChain)
	add(c.Flow, w.Flow)

	f := Fusion{BullishScore: bullish, BearishScore: bearish}

	winning := math.Max(bullish, bearish)
	switch {
	case bullish > bearish:
		f.Direction = Bullish
	case bearish > bullish:
		f.Direction = Bearish
	default:
		f.Direction = Neutral
	}

	f.Strength = strengthFor(math.Abs(bullish - bearish))
	f.Confidence = clampUnit(present / w.Sum() * math.Min(winning*1.2, 1.0))
	f.Action = actionFor(f.Direction, f.Strength, f.Confidence)
	f.PositionSizeModifier = positionSizeModifier(f.Strength, f.Confidence)
	f.RiskLevel = riskFor(volatility, f.Strength)
	return f
}

func strengthFor(gap float64) Strength {
	switch {
	case gap < 0.15:
		return Weak
	case gap < 0.35:
		return Moderate
	case gap < 0.55:
		return Strong
	default:
		return VeryStrong
	}
}

func actionFor(direction Direction, strength Strength, confidence float64) Action {
	if confidence < confidenceFloor {
		return ActionWait
	}
	actionable := strength == Strong || strength == VeryStrong ||
		(strength == Moderate && confidence > moderateActionFloor)
	if !actionable {
		return ActionHold
	}
	switch direction {
	case Bullish:
		return ActionBuy
	case Bearish:
		return ActionSell
	default:
		return ActionHold
	}
}

var strengthBase = map[Strength]float64{
	Weak:       0.8,
	Moderate:   1.0,
	Strong:     1.15,
	VeryStrong: 1.3,
}

func positionSizeModifier(strength Strength, confidence float64) float64 {
	base, ok := strengthBase[strength]
	if !ok {
		base = strengthBase[Weak]
	}
	m := base * (0.5 + clampUnit(confidence)*0.5)
	return math.Max(0.5, math.Min(1.5, m))
}

// riskFor tiers by volatility (<2% low, <5% medium) and lowers one tier for strong signals.
// Unknown volatility is medium.
func riskFor(volatility *float64, strength Strength) RiskLevel {
	risk := RiskMedium
	if volatility != nil && !math.IsNaN(*volatility) {
		switch v := math.Abs(*volatility); {
		case v < 0.02:
			risk = RiskLow
		case v < 0.05:
			risk = RiskMedium
		default:
			risk = RiskHigh
		}
	}
	if strength == Strong || strength == VeryStrong {
		switch risk {
		case RiskHigh:
			risk = RiskMedium
		case RiskMedium:
			risk = RiskLow
		}
	}
	return risk
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
