package microstructure

import (
	"fmt"
	"math"
	"time"
)

// BidAskAnalyzer keeps a bounded window of quotes per symbol and derives spread metrics
type BidAskAnalyzer struct {
	config  *Config
	symbols *registry[quoteState]
}

type quoteState struct {
	quotes *Window[Quote]
}

// NewBidAskAnalyzer creates an analyzer with config.QuoteWindow quotes per symbol
func NewBidAskAnalyzer(config *Config) *BidAskAnalyzer {
	if config == nil {
		config = DefaultConfig()
	}
	capacity := config.QuoteWindow
	return &BidAskAnalyzer{
		config: config,
		symbols: newRegistry(func() *quoteState {
			return &quoteState{quotes: NewWindow[Quote](capacity)}
		}),
	}
}

// BidAskMetrics contains current and rolling spread statistics
type BidAskMetrics struct {
	Symbol         string    `json:"symbol"`
	Timestamp      time.Time `json:"timestamp"`
	Bid            float64   `json:"bid"`
	Ask            float64   `json:"ask"`
	Mid            float64   `json:"mid"`
	Spread         float64   `json:"spread"`
	SpreadBps      float64   `json:"spread_bps"`
	SpreadPctOfMid float64   `json:"spread_pct_of_mid"`
	MeanSpread     float64   `json:"mean_spread"`
	MeanSpreadBps  float64   `json:"mean_spread_bps"`
	MinSpreadBps   float64   `json:"min_spread_bps"`
	MaxSpreadBps   float64   `json:"max_spread_bps"`
	StdDevBps      float64   `json:"std_dev_bps"`
	SizeImbalance  float64   `json:"size_imbalance"`  // (askSize - bidSize) / (askSize + bidSize)
	TightnessScore float64   `json:"tightness_score"` // 0-100, higher is tighter than the window
	SampleCount    int       `json:"sample_count"`
}

// SpreadAnalysis describes one execution against the current quote
type SpreadAnalysis struct {
	Symbol              string         `json:"symbol"`
	Side                Classification `json:"side"`
	TradePrice          float64        `json:"trade_price"`
	Mid                 float64        `json:"mid"`
	QuotedSpread        float64        `json:"quoted_spread"`
	QuotedSpreadBps     float64        `json:"quoted_spread_bps"`
	EffectiveSpread     float64        `json:"effective_spread"` // Signed: positive means paid away from mid
	EffectiveSpreadBps  float64        `json:"effective_spread_bps"`
	PriceImprovement    float64        `json:"price_improvement"` // Positive means execution beat the quote
	PriceImprovementBps float64        `json:"price_improvement_bps"`
}

// SpreadWidening reports whether the current spread is anomalously wide versus prior quotes
type SpreadWidening struct {
	Symbol        string  `json:"symbol"`
	IsWidening    bool    `json:"is_widening"`
	CurrentBps    float64 `json:"current_bps"`
	MeanBps       float64 `json:"mean_bps"`
	StdDevBps     float64 `json:"std_dev_bps"`
	ZScore        float64 `json:"z_score"`
	StdDevs       float64 `json:"std_devs"`
	HistoryPoints int     `json:"history_points"`
}

// RollEstimate is Roll's implied spread from mid-price change autocovariance
type RollEstimate struct {
	Symbol     string  `json:"symbol"`
	Covariance float64 `json:"covariance"`
	Spread     float64 `json:"spread"` // 0 when covariance is non-negative
	SpreadBps  float64 `json:"spread_bps"`
	Samples    int     `json:"samples"`
}

// RecordQuote appends q to the symbol's window. Validation of ask >= bid happens at ingestion;
// here only ordering is enforced.
func (a *BidAskAnalyzer) RecordQuote(symbol string, q Quote) error {
	return a.symbols.write(symbol, func(s *quoteState) error {
		if last, ok := s.quotes.Last(); ok && q.Timestamp.Before(last.Timestamp) {
			return fmt.Errorf("%w: quote at %s before %s", ErrOutOfOrder,
				q.Timestamp.Format(time.RFC3339Nano), last.Timestamp.Format(time.RFC3339Nano))
		}
		s.quotes.Push(q)
		return nil
	})
}

// Quotes returns a copy of the symbol's quote window, oldest first
func (a *BidAskAnalyzer) Quotes(symbol string) []Quote {
	var quotes []Quote
	a.symbols.read(symbol, func(s *quoteState) {
		quotes = s.quotes.Snapshot()
	})
	return quotes
}

// LatestQuote returns the newest quote for symbol
func (a *BidAskAnalyzer) LatestQuote(symbol string) (Quote, bool) {
	var (
		q  Quote
		ok bool
	)
	a.symbols.read(symbol, func(s *quoteState) {
		q, ok = s.quotes.Last()
	})
	return q, ok
}

// Metrics computes spread statistics over the window
func (a *BidAskAnalyzer) Metrics(symbol string) (*BidAskMetrics, bool) {
	quotes := a.Quotes(symbol)
	if len(quotes) == 0 {
		return nil, false
	}

	current := quotes[len(quotes)-1]
	spreadsBps := make([]float64, len(quotes))
	sumSpread := 0.0
	minBps := math.Inf(1)
	maxBps := math.Inf(-1)
	for i, q := range quotes {
		bps := q.SpreadBps()
		spreadsBps[i] = bps
		sumSpread += q.Spread()
		minBps = math.Min(minBps, bps)
		maxBps = math.Max(maxBps, bps)
	}
	meanBps, stdBps := meanStd(spreadsBps)

	m := &BidAskMetrics{
		Symbol:         symbol,
		Timestamp:      current.Timestamp,
		Bid:            current.Bid,
		Ask:            current.Ask,
		Mid:            current.Mid(),
		Spread:         current.Spread(),
		SpreadBps:      current.SpreadBps(),
		MeanSpread:     sumSpread / float64(len(quotes)),
		MeanSpreadBps:  meanBps,
		MinSpreadBps:   minBps,
		MaxSpreadBps:   maxBps,
		StdDevBps:      stdBps,
		TightnessScore: (1 - percentileRank(current.SpreadBps(), spreadsBps)) * 100,
		SampleCount:    len(quotes),
	}
	if m.Mid != 0 {
		m.SpreadPctOfMid = m.Spread / m.Mid * 100
	}
	if total := current.AskSize + current.BidSize; total > 0 {
		m.SizeImbalance = (current.AskSize - current.BidSize) / total
	}
	return m, true
}

// AnalyzeSpread measures an execution at tradePrice on side against the current quote
func (a *BidAskAnalyzer) AnalyzeSpread(symbol string, tradePrice float64, side Classification) (*SpreadAnalysis, error) {
	if side != Buy && side != Sell {
		return nil, fmt.Errorf("invalid side: %s (must be 'buy' or 'sell')", side)
	}
	if !finite(tradePrice) || tradePrice <= 0 {
		return nil, fmt.Errorf("invalid trade price: %v", tradePrice)
	}
	q, ok := a.LatestQuote(symbol)
	if !ok {
		return nil, fmt.Errorf("no quotes for %s", symbol)
	}

	mid := q.Mid()
	res := &SpreadAnalysis{
		Symbol:          symbol,
		Side:            side,
		TradePrice:      tradePrice,
		Mid:             mid,
		QuotedSpread:    q.Spread(),
		QuotedSpreadBps: q.SpreadBps(),
	}
	if side == Buy {
		res.EffectiveSpread = 2 * (tradePrice - mid)
		res.PriceImprovement = q.Ask - tradePrice
	} else {
		res.EffectiveSpread = 2 * (mid - tradePrice)
		res.PriceImprovement = tradePrice - q.Bid
	}
	if mid != 0 {
		res.EffectiveSpreadBps = res.EffectiveSpread / mid * 10000
		res.PriceImprovementBps = res.PriceImprovement / mid * 10000
	}
	return res, nil
}

// DetectSpreadWidening compares the current spread against the mean and standard deviation of
// the earlier quotes in the window. stdDevs <= 0 uses the configured k.
func (a *BidAskAnalyzer) DetectSpreadWidening(symbol string, stdDevs float64) (*SpreadWidening, bool) {
	if stdDevs <= 0 {
		stdDevs = a.config.WideningStdDevs
	}
	quotes := a.Quotes(symbol)
	if len(quotes) < 3 {
		return nil, false
	}

	history := make([]float64, len(quotes)-1)
	for i, q := range quotes[:len(quotes)-1] {
		history[i] = q.SpreadBps()
	}
	current := quotes[len(quotes)-1].SpreadBps()
	mean, std := meanStd(history)

	res := &SpreadWidening{
		Symbol:        symbol,
		CurrentBps:    current,
		MeanBps:       mean,
		StdDevBps:     std,
		StdDevs:       stdDevs,
		HistoryPoints: len(history),
	}
	if std > 0 {
		res.ZScore = (current - mean) / std
		res.IsWidening = current > mean+stdDevs*std
	} else {
		// Flat history: any increase is a widening
		res.IsWidening = current > mean
	}
	return res, true
}

// RollMeasure estimates the effective spread as 2*sqrt(-Cov(dMid_t, dMid_t-1)).
// The estimate is 0 when the autocovariance is non-negative.
func (a *BidAskAnalyzer) RollMeasure(symbol string) (*RollEstimate, bool) {
	quotes := a.Quotes(symbol)
	if len(quotes) < 4 {
		return nil, false
	}

	deltas := make([]float64, len(quotes)-1)
	for i := 1; i < len(quotes); i++ {
		deltas[i-1] = quotes[i].Mid() - quotes[i-1].Mid()
	}

	cov := autocovariance(deltas)
	res := &RollEstimate{
		Symbol:     symbol,
		Covariance: cov,
		Samples:    len(deltas) - 1,
	}
	if cov < 0 {
		res.Spread = 2 * math.Sqrt(-cov)
		if mid := quotes[len(quotes)-1].Mid(); mid != 0 {
			res.SpreadBps = res.Spread / mid * 10000
		}
	}
	return res, true
}

// Symbols lists symbols with a quote window
func (a *BidAskAnalyzer) Symbols() []string {
	return a.symbols.symbols()
}

// autocovariance returns the lag-1 sample covariance of xs
func autocovariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	lead := xs[1:]
	lag := xs[:len(xs)-1]
	meanLead, _ := meanStd(lead)
	meanLag, _ := meanStd(lag)

	sum := 0.0
	for i := range lead {
		sum += (lead[i] - meanLead) * (lag[i] - meanLag)
	}
	return sum / float64(len(lead))
}

// percentileRank returns the fraction of values strictly below v
func percentileRank(v float64, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	below := 0
	for _, x := range values {
		if x < v {
			below++
		}
	}
	return float64(below) / float64(len(values))
}
