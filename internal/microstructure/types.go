package microstructure

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidTrade is returned for trades with non-finite prices or negative volume
	ErrInvalidTrade = errors.New("invalid trade")
	// ErrInvalidQuote is returned for quotes with ask < bid, non-finite prices or negative sizes
	ErrInvalidQuote = errors.New("invalid quote")
	// ErrInvalidBook is returned for snapshots with malformed levels or a crossed top of book
	ErrInvalidBook = errors.New("invalid order book")
	// ErrOutOfOrder is returned when an event is older than the last one applied for its symbol
	ErrOutOfOrder = errors.New("event out of order")
)

// Classification is the inferred initiator of a trade
type Classification string

const (
	Buy     Classification = "buy"
	Sell    Classification = "sell"
	Unknown Classification = "unknown"
)

// Direction is the directional read of a component or unified signal
type Direction string

const (
	DirectionBuy     Direction = "buy"
	DirectionSell    Direction = "sell"
	DirectionNeutral Direction = "neutral"
)

// RiskLevel tiers a microstructure signal
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Trade is a single print. Classification is set once by the order flow analyzer.
type Trade struct {
	Timestamp      time.Time      `json:"timestamp"`
	Price          float64        `json:"price"`
	Volume         float64        `json:"volume"`
	Classification Classification `json:"classification"`
}

// Validate rejects non-finite or non-positive prices and negative volume
func (t Trade) Validate() error {
	if !finite(t.Price) || t.Price <= 0 {
		return fmt.Errorf("%w: price %v", ErrInvalidTrade, t.Price)
	}
	if !finite(t.Volume) || t.Volume < 0 {
		return fmt.Errorf("%w: volume %v", ErrInvalidTrade, t.Volume)
	}
	return nil
}

// Quote is a top-of-book bid/ask update
type Quote struct {
	Timestamp time.Time `json:"timestamp"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	BidSize   float64   `json:"bid_size"`
	AskSize   float64   `json:"ask_size"`
}

// Validate rejects ask < bid, non-finite prices and negative sizes
func (q Quote) Validate() error {
	if !finite(q.Bid) || !finite(q.Ask) || q.Bid <= 0 || q.Ask <= 0 {
		return fmt.Errorf("%w: bid=%v ask=%v", ErrInvalidQuote, q.Bid, q.Ask)
	}
	if q.Ask < q.Bid {
		return fmt.Errorf("%w: ask %.8f below bid %.8f", ErrInvalidQuote, q.Ask, q.Bid)
	}
	if !finite(q.BidSize) || !finite(q.AskSize) || q.BidSize < 0 || q.AskSize < 0 {
		return fmt.Errorf("%w: sizes bid=%v ask=%v", ErrInvalidQuote, q.BidSize, q.AskSize)
	}
	return nil
}

// Spread returns ask - bid
func (q Quote) Spread() float64 { return q.Ask - q.Bid }

// Mid returns (bid + ask) / 2
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2.0 }

// SpreadBps returns the spread in basis points of mid, 0 when mid is 0
func (q Quote) SpreadBps() float64 {
	mid := q.Mid()
	if mid == 0 {
		return 0
	}
	return q.Spread() / mid * 10000.0
}

// PriceLevel is one aggregated order book level
type PriceLevel struct {
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	NumOrders int     `json:"num_orders"`
}

// OrderBookSnapshot is a full book replacing the previous one for its symbol.
// Bids are sorted descending and asks ascending by price.
type OrderBookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// BestBid returns the highest bid, false if the side is empty
func (s *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if s == nil || len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, false if the side is empty
func (s *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if s == nil || len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// ComponentSignal is one directional vote with a strength in [0,1]
type ComponentSignal struct {
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"`
}

// neutralSignal is used for components with no data
var neutralSignal = ComponentSignal{Direction: DirectionNeutral, Strength: 0}

func directional(value, threshold float64) ComponentSignal {
	strength := clamp(math.Abs(value), 0, 1)
	switch {
	case value > threshold:
		return ComponentSignal{Direction: DirectionBuy, Strength: strength}
	case value < -threshold:
		return ComponentSignal{Direction: DirectionSell, Strength: strength}
	default:
		return ComponentSignal{Direction: DirectionNeutral, Strength: strength}
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	sumSquares := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return mean, math.Sqrt(sumSquares / float64(len(values)))
}
