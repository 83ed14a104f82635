package microstructure

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// ExhaustedImpactBps is reported when the book cannot fill the requested notional
const ExhaustedImpactBps = 999.9

// DepthAnalyzer keeps the latest order book per symbol plus a bounded history of derived
// imbalance ratios used for resilience
type DepthAnalyzer struct {
	config  *Config
	symbols *registry[bookState]
}

type bookState struct {
	book      *OrderBookSnapshot
	imbalance *Window[float64]
}

// NewDepthAnalyzer creates a depth analyzer
func NewDepthAnalyzer(config *Config) *DepthAnalyzer {
	if config == nil {
		config = DefaultConfig()
	}
	capacity := config.ImbalanceHistory
	return &DepthAnalyzer{
		config: config,
		symbols: newRegistry(func() *bookState {
			return &bookState{imbalance: NewWindow[float64](capacity)}
		}),
	}
}

// DepthImbalance contains per-side depth and the bid/ask imbalance over the top levels
type DepthImbalance struct {
	Symbol         string  `json:"symbol"`
	Levels         int     `json:"levels"`
	BidDepthL1     float64 `json:"bid_depth_l1"`
	BidDepthL5     float64 `json:"bid_depth_l5"`
	BidDepthL10    float64 `json:"bid_depth_l10"`
	AskDepthL1     float64 `json:"ask_depth_l1"`
	AskDepthL5     float64 `json:"ask_depth_l5"`
	AskDepthL10    float64 `json:"ask_depth_l10"`
	BidDepth       float64 `json:"bid_depth"`
	AskDepth       float64 `json:"ask_depth"`
	ImbalanceRatio float64 `json:"imbalance_ratio"` // (bid - ask) / (bid + ask)
	BidSlope       float64 `json:"bid_slope"`       // Depth per unit of price range
	AskSlope       float64 `json:"ask_slope"`
	IsBullish      bool    `json:"is_bullish"`
	IsBearish      bool    `json:"is_bearish"`
}

// MarketImpact is the result of walking one side of the book for a notional
type MarketImpact struct {
	Side           Classification `json:"side"`
	RequestedUSD   float64        `json:"requested_usd"`
	FilledUSD      float64        `json:"filled_usd"`
	FilledQuantity float64        `json:"filled_quantity"`
	BestPrice      float64        `json:"best_price"`
	AveragePrice   float64        `json:"average_price"`
	FinalPrice     float64        `json:"final_price"`
	ImpactBps      float64        `json:"impact_bps"`
	LevelsConsumed int            `json:"levels_consumed"`
	Exhausted      bool           `json:"exhausted"`
}

// DepthMetrics combines imbalance, impact and book shape
type DepthMetrics struct {
	Symbol             string         `json:"symbol"`
	Timestamp          time.Time      `json:"timestamp"`
	Imbalance          DepthImbalance `json:"imbalance"`
	BuyImpact          *MarketImpact  `json:"buy_impact,omitempty"`
	SellImpact         *MarketImpact  `json:"sell_impact,omitempty"`
	ResilienceScore    float64        `json:"resilience_score"`
	DepthConcentration float64        `json:"depth_concentration"` // Top-5 depth / total depth
	DepthDiversity     int            `json:"depth_diversity"`     // Distinct price levels
	HistoryPoints      int            `json:"history_points"`
}

// DepthCliff is a single-step quantity drop between adjacent levels
type DepthCliff struct {
	Level        int     `json:"level"` // Index of the level after the drop
	Price        float64 `json:"price"`
	PrevQuantity float64 `json:"prev_quantity"`
	Quantity     float64 `json:"quantity"`
	DropPct      float64 `json:"drop_pct"`
}

// UpdateBook replaces the symbol's snapshot wholesale. Levels are copied and sorted, bids
// descending and asks ascending. The imbalance over the configured levels is appended to the
// resilience history.
func (a *DepthAnalyzer) UpdateBook(symbol string, bids, asks []PriceLevel, ts time.Time) error {
	sortedBids, err := normalizeLevels(bids)
	if err != nil {
		return err
	}
	sortedAsks, err := normalizeLevels(asks)
	if err != nil {
		return err
	}
	sort.SliceStable(sortedBids, func(i, j int) bool { return sortedBids[i].Price > sortedBids[j].Price })
	sort.SliceStable(sortedAsks, func(i, j int) bool { return sortedAsks[i].Price < sortedAsks[j].Price })

	if len(sortedBids) > 0 && len(sortedAsks) > 0 && sortedAsks[0].Price < sortedBids[0].Price {
		return fmt.Errorf("%w: crossed book bid=%.8f ask=%.8f", ErrInvalidBook,
			sortedBids[0].Price, sortedAsks[0].Price)
	}

	book := &OrderBookSnapshot{Symbol: symbol, Timestamp: ts, Bids: sortedBids, Asks: sortedAsks}
	imb := computeImbalance(book, a.config.DepthLevels, a.config.DepthImbalanceThresh)

	return a.symbols.write(symbol, func(s *bookState) error {
		if s.book != nil && ts.Before(s.book.Timestamp) {
			return fmt.Errorf("%w: book at %s before %s", ErrOutOfOrder,
				ts.Format(time.RFC3339Nano), s.book.Timestamp.Format(time.RFC3339Nano))
		}
		s.book = book
		s.imbalance.Push(imb.ImbalanceRatio)
		return nil
	})
}

// Book returns the latest snapshot. The snapshot is never mutated after being stored, so the
// pointer is safe to share.
func (a *DepthAnalyzer) Book(symbol string) (*OrderBookSnapshot, bool) {
	var book *OrderBookSnapshot
	a.symbols.read(symbol, func(s *bookState) {
		book = s.book
	})
	return book, book != nil
}

// DepthImbalance computes depth and imbalance over the first levels of each side.
// levels <= 0 uses the configured depth.
func (a *DepthAnalyzer) DepthImbalance(symbol string, levels int) (*DepthImbalance, bool) {
	book, ok := a.Book(symbol)
	if !ok {
		return nil, false
	}
	if levels <= 0 {
		levels = a.config.DepthLevels
	}
	imb := computeImbalance(book, levels, a.config.DepthImbalanceThresh)
	imb.Symbol = symbol
	return imb, true
}

// MarketImpact walks the opposite side of the book until notionalUSD is filled. A buy consumes
// asks, a sell consumes bids. If the book runs out, ImpactBps is ExhaustedImpactBps.
func (a *DepthAnalyzer) MarketImpact(symbol string, notionalUSD float64, side Classification) (*MarketImpact, error) {
	if !finite(notionalUSD) || notionalUSD <= 0 {
		return nil, fmt.Errorf("invalid trade size: %.2f", notionalUSD)
	}
	book, ok := a.Book(symbol)
	if !ok {
		return nil, fmt.Errorf("no order book for %s", symbol)
	}
	return walkBook(book, notionalUSD, side)
}

// Metrics combines imbalance, both-side impact for the reference notional, resilience and
// book shape
func (a *DepthAnalyzer) Metrics(symbol string) (*DepthMetrics, bool) {
	var (
		book    *OrderBookSnapshot
		history []float64
	)
	a.symbols.read(symbol, func(s *bookState) {
		book = s.book
		history = s.imbalance.Snapshot()
	})
	if book == nil {
		return nil, false
	}

	imb := computeImbalance(book, a.config.DepthLevels, a.config.DepthImbalanceThresh)
	imb.Symbol = symbol

	m := &DepthMetrics{
		Symbol:          symbol,
		Timestamp:       book.Timestamp,
		Imbalance:       *imb,
		ResilienceScore: resilience(history),
		DepthDiversity:  distinctLevels(book),
		HistoryPoints:   len(history),
	}
	if impact, err := walkBook(book, a.config.ImpactReferenceUSD, Buy); err == nil {
		m.BuyImpact = impact
	}
	if impact, err := walkBook(book, a.config.ImpactReferenceUSD, Sell); err == nil {
		m.SellImpact = impact
	}

	top5 := sumQuantity(book.Bids, 5) + sumQuantity(book.Asks, 5)
	total := sumQuantity(book.Bids, len(book.Bids)) + sumQuantity(book.Asks, len(book.Asks))
	if total > 0 {
		m.DepthConcentration = top5 / total
	}
	return m, true
}

// DepthCliff scans up to the first 10 levels of side for single-step quantity drops larger than
// thresholdPct of the prior level. side Buy scans bids, Sell scans asks.
func (a *DepthAnalyzer) DepthCliff(symbol string, side Classification, thresholdPct float64) ([]DepthCliff, error) {
	if thresholdPct <= 0 {
		thresholdPct = a.config.CliffThresholdPct
	}
	book, ok := a.Book(symbol)
	if !ok {
		return nil, fmt.Errorf("no order book for %s", symbol)
	}

	var levels []PriceLevel
	switch side {
	case Buy:
		levels = book.Bids
	case Sell:
		levels = book.Asks
	default:
		return nil, fmt.Errorf("invalid side: %s (must be 'buy' or 'sell')", side)
	}
	if len(levels) > 10 {
		levels = levels[:10]
	}

	var cliffs []DepthCliff
	for i := 1; i < len(levels); i++ {
		prev := levels[i-1].Quantity
		if prev <= 0 {
			continue
		}
		drop := (prev - levels[i].Quantity) / prev * 100
		if drop > thresholdPct {
			cliffs = append(cliffs, DepthCliff{
				Level:        i,
				Price:        levels[i].Price,
				PrevQuantity: prev,
				Quantity:     levels[i].Quantity,
				DropPct:      drop,
			})
		}
	}
	return cliffs, nil
}

// Symbols lists symbols with a book
func (a *DepthAnalyzer) Symbols() []string {
	return a.symbols.symbols()
}

func normalizeLevels(levels []PriceLevel) ([]PriceLevel, error) {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		if !finite(l.Price) || l.Price <= 0 {
			return nil, fmt.Errorf("%w: level %d price %v", ErrInvalidBook, i, l.Price)
		}
		if !finite(l.Quantity) || l.Quantity < 0 {
			return nil, fmt.Errorf("%w: level %d quantity %v", ErrInvalidBook, i, l.Quantity)
		}
		if l.NumOrders < 0 {
			return nil, fmt.Errorf("%w: level %d order count %d", ErrInvalidBook, i, l.NumOrders)
		}
		if l.NumOrders == 0 {
			l.NumOrders = 1
		}
		out[i] = l
	}
	return out, nil
}

func computeImbalance(book *OrderBookSnapshot, levels int, threshold float64) *DepthImbalance {
	imb := &DepthImbalance{
		Levels:      levels,
		BidDepthL1:  sumQuantity(book.Bids, 1),
		BidDepthL5:  sumQuantity(book.Bids, 5),
		BidDepthL10: sumQuantity(book.Bids, 10),
		AskDepthL1:  sumQuantity(book.Asks, 1),
		AskDepthL5:  sumQuantity(book.Asks, 5),
		AskDepthL10: sumQuantity(book.Asks, 10),
		BidDepth:    sumQuantity(book.Bids, levels),
		AskDepth:    sumQuantity(book.Asks, levels),
	}
	if total := imb.BidDepth + imb.AskDepth; total > 0 {
		imb.ImbalanceRatio = (imb.BidDepth - imb.AskDepth) / total
	}
	imb.BidSlope = slope(book.Bids, levels, imb.BidDepth)
	imb.AskSlope = slope(book.Asks, levels, imb.AskDepth)
	imb.IsBullish = imb.ImbalanceRatio > threshold
	imb.IsBearish = imb.ImbalanceRatio < -threshold
	return imb
}

func sumQuantity(levels []PriceLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	total := 0.0
	for _, l := range levels[:n] {
		total += l.Quantity
	}
	return total
}

// slope is depth divided by the price range spanned by the first n levels; 0 for a single level
func slope(levels []PriceLevel, n int, depth float64) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	if n < 2 {
		return 0
	}
	priceRange := math.Abs(levels[0].Price - levels[n-1].Price)
	if priceRange == 0 {
		return 0
	}
	return depth / priceRange
}

func walkBook(book *OrderBookSnapshot, notionalUSD float64, side Classification) (*MarketImpact, error) {
	var levels []PriceLevel
	switch side {
	case Buy:
		levels = book.Asks
	case Sell:
		levels = book.Bids
	default:
		return nil, fmt.Errorf("invalid side: %s (must be 'buy' or 'sell')", side)
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("no %s side liquidity", side)
	}

	impact := &MarketImpact{
		Side:         side,
		RequestedUSD: notionalUSD,
		BestPrice:    levels[0].Price,
	}

	remaining := notionalUSD
	for i, level := range levels {
		if remaining <= 0 {
			break
		}
		levelUSD := level.Price * level.Quantity
		if levelUSD <= 0 {
			continue
		}
		consumed := math.Min(remaining, levelUSD)
		impact.FilledUSD += consumed
		impact.FilledQuantity += consumed / level.Price
		remaining -= consumed
		impact.LevelsConsumed = i + 1
		impact.FinalPrice = level.Price
	}

	if impact.FilledQuantity > 0 {
		impact.AveragePrice = impact.FilledUSD / impact.FilledQuantity
	}
	if remaining > 1e-9 {
		impact.Exhausted = true
		impact.ImpactBps = ExhaustedImpactBps
		return impact, nil
	}

	if side == Buy {
		impact.ImpactBps = (impact.AveragePrice - impact.BestPrice) / impact.BestPrice * 10000
	} else {
		impact.ImpactBps = (impact.BestPrice - impact.AveragePrice) / impact.BestPrice * 10000
	}
	return impact, nil
}

// resilience maps the volatility of historical imbalance ratios to 0-100. Fewer than two
// records give a neutral 50.
func resilience(history []float64) float64 {
	if len(history) < 2 {
		return 50
	}
	_, std := meanStd(history)
	return clamp(100-std*200, 0, 100)
}

func distinctLevels(book *OrderBookSnapshot) int {
	seen := make(map[float64]struct{}, len(book.Bids)+len(book.Asks))
	for _, l := range book.Bids {
		seen[l.Price] = struct{}{}
	}
	for _, l := range book.Asks {
		seen[l.Price] = struct{}{}
	}
	return len(seen)
}
