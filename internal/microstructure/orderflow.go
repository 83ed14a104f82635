package microstructure

import (
	"fmt"
	"math"
	"time"
)

// OrderFlowAnalyzer keeps a bounded window of classified trades per symbol
type OrderFlowAnalyzer struct {
	config  *Config
	symbols *registry[tradeState]
}

type tradeState struct {
	trades *Window[Trade]
}

// NewOrderFlowAnalyzer creates an analyzer with config.TradeWindow trades per symbol
func NewOrderFlowAnalyzer(config *Config) *OrderFlowAnalyzer {
	if config == nil {
		config = DefaultConfig()
	}
	capacity := config.TradeWindow
	return &OrderFlowAnalyzer{
		config: config,
		symbols: newRegistry(func() *tradeState {
			return &tradeState{trades: NewWindow[Trade](capacity)}
		}),
	}
}

// OrderFlowMetrics summarizes the trade window
type OrderFlowMetrics struct {
	Symbol       string    `json:"symbol"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	TradeCount   int       `json:"trade_count"`
	BuyCount     int       `json:"buy_count"`
	SellCount    int       `json:"sell_count"`
	UnknownCount int       `json:"unknown_count"`
	TotalVolume  float64   `json:"total_volume"`
	BuyVolume    float64   `json:"buy_volume"`
	SellVolume   float64   `json:"sell_volume"`
	OFI          float64   `json:"ofi"` // (buy - sell) / total, 0 when total is 0
	VWAP         float64   `json:"vwap"`
	BuyVWAP      float64   `json:"buy_vwap"`
	SellVWAP     float64   `json:"sell_vwap"`
	BuyPressure  float64   `json:"buy_pressure"`  // Share of directional volume
	SellPressure float64   `json:"sell_pressure"` // Share of directional volume
	NetPressure  float64   `json:"net_pressure"`
	AvgTradeSize float64   `json:"avg_trade_size"`
	IsBullish    bool      `json:"is_bullish"`
	IsBearish    bool      `json:"is_bearish"`
}

// ToxicFlowResult reports the relative-size toxicity test
type ToxicFlowResult struct {
	Symbol          string  `json:"symbol"`
	IsToxic         bool    `json:"is_toxic"`
	OFI             float64 `json:"ofi"`
	Threshold       float64 `json:"threshold"`
	RecentAvgSize   float64 `json:"recent_avg_size"`
	WindowMeanSize  float64 `json:"window_mean_size"`
	RecentTradeSpan int     `json:"recent_trade_span"`
}

// Record classifies t against the concurrent bid/ask, using the symbol's previous trade as the
// tick-rule fallback, and appends it. Trades older than the newest one are rejected.
func (a *OrderFlowAnalyzer) Record(symbol string, t Trade, bid, ask float64) (Trade, error) {
	if err := t.Validate(); err != nil {
		return Trade{}, err
	}

	err := a.symbols.write(symbol, func(s *tradeState) error {
		prevPrice := 0.0
		if last, ok := s.trades.Last(); ok {
			if t.Timestamp.Before(last.Timestamp) {
				return fmt.Errorf("%w: trade at %s before %s", ErrOutOfOrder,
					t.Timestamp.Format(time.RFC3339Nano), last.Timestamp.Format(time.RFC3339Nano))
			}
			prevPrice = last.Price
		}
		t.Classification = ClassifyTrade(t.Price, bid, ask, prevPrice)
		s.trades.Push(t)
		return nil
	})
	if err != nil {
		return Trade{}, err
	}
	return t, nil
}

// Trades returns a copy of the symbol's window, oldest first
func (a *OrderFlowAnalyzer) Trades(symbol string) []Trade {
	var trades []Trade
	a.symbols.read(symbol, func(s *tradeState) {
		trades = s.trades.Snapshot()
	})
	return trades
}

// Metrics computes order flow metrics over the window. A positive lookback keeps only trades
// within lookback of the newest trade. It returns false when there is no data.
func (a *OrderFlowAnalyzer) Metrics(symbol string, lookback time.Duration) (*OrderFlowMetrics, bool) {
	trades := filterLookback(a.Trades(symbol), lookback)
	if len(trades) == 0 {
		return nil, false
	}

	m := summarizeTrades(trades)
	m.Symbol = symbol
	m.IsBullish = m.OFI > a.config.OFIThreshold
	m.IsBearish = m.OFI < -a.config.OFIThreshold
	return m, true
}

// ToxicFlow flags toxicity when |OFI| exceeds threshold and the average size of the most recent
// trades exceeds the mean trade size of the whole window. The size test is relative to the
// window itself, so uniformly sized flow is never flagged.
func (a *OrderFlowAnalyzer) ToxicFlow(symbol string, threshold float64) (*ToxicFlowResult, bool) {
	trades := a.Trades(symbol)
	if len(trades) == 0 {
		return nil, false
	}
	if threshold <= 0 {
		threshold = a.config.ToxicFlowThreshold
	}

	m := summarizeTrades(trades)
	span := a.config.ToxicRecentTrades
	if span <= 0 || span > len(trades) {
		span = len(trades)
	}
	recent := trades[len(trades)-span:]
	recentVolume := 0.0
	for _, t := range recent {
		recentVolume += t.Volume
	}
	recentAvg := recentVolume / float64(len(recent))

	return &ToxicFlowResult{
		Symbol:          symbol,
		IsToxic:         math.Abs(m.OFI) > threshold && recentAvg > m.AvgTradeSize,
		OFI:             m.OFI,
		Threshold:       threshold,
		RecentAvgSize:   recentAvg,
		WindowMeanSize:  m.AvgTradeSize,
		RecentTradeSpan: span,
	}, true
}

// RollingOFI slides a window of windowSize trades across the sequence one trade at a time and
// returns one OFI per position. It returns nil when fewer than windowSize trades are held.
func (a *OrderFlowAnalyzer) RollingOFI(symbol string, windowSize int) []float64 {
	if windowSize <= 0 {
		windowSize = a.config.RollingOFIWindow
	}
	trades := a.Trades(symbol)
	if windowSize <= 0 || len(trades) < windowSize {
		return nil
	}

	var buy, sell, total float64
	add := func(t Trade, sign float64) {
		total += sign * t.Volume
		switch t.Classification {
		case Buy:
			buy += sign * t.Volume
		case Sell:
			sell += sign * t.Volume
		}
	}

	series := make([]float64, 0, len(trades)-windowSize+1)
	for i, t := range trades {
		add(t, 1)
		if i >= windowSize {
			add(trades[i-windowSize], -1)
		}
		if i >= windowSize-1 {
			series = append(series, ofi(buy, sell, total))
		}
	}
	return series
}

// Symbols lists symbols with a trade window
func (a *OrderFlowAnalyzer) Symbols() []string {
	return a.symbols.symbols()
}

func filterLookback(trades []Trade, lookback time.Duration) []Trade {
	if lookback <= 0 || len(trades) == 0 {
		return trades
	}
	cutoff := trades[len(trades)-1].Timestamp.Add(-lookback)
	for i, t := range trades {
		if !t.Timestamp.Before(cutoff) {
			return trades[i:]
		}
	}
	return nil
}

func summarizeTrades(trades []Trade) *OrderFlowMetrics {
	m := &OrderFlowMetrics{
		TradeCount:  len(trades),
		WindowStart: trades[0].Timestamp,
		WindowEnd:   trades[len(trades)-1].Timestamp,
	}

	var notional, buyNotional, sellNotional float64
	for _, t := range trades {
		m.TotalVolume += t.Volume
		notional += t.Price * t.Volume
		switch t.Classification {
		case Buy:
			m.BuyCount++
			m.BuyVolume += t.Volume
			buyNotional += t.Price * t.Volume
		case Sell:
			m.SellCount++
			m.SellVolume += t.Volume
			sellNotional += t.Price * t.Volume
		default:
			m.UnknownCount++
		}
	}

	m.OFI = ofi(m.BuyVolume, m.SellVolume, m.TotalVolume)
	if m.TotalVolume > 0 {
		m.VWAP = notional / m.TotalVolume
	}
	if m.BuyVolume > 0 {
		m.BuyVWAP = buyNotional / m.BuyVolume
	}
	if m.SellVolume > 0 {
		m.SellVWAP = sellNotional / m.SellVolume
	}

	directional := m.BuyVolume + m.SellVolume
	switch {
	case directional > 0:
		m.BuyPressure = m.BuyVolume / directional
		m.SellPressure = m.SellVolume / directional
	case m.TotalVolume > 0:
		// All volume unclassified: no side dominates
		m.BuyPressure, m.SellPressure = 0.5, 0.5
	}
	m.NetPressure = m.BuyPressure - m.SellPressure
	m.AvgTradeSize = m.TotalVolume / float64(len(trades))
	return m
}

func ofi(buy, sell, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return clamp((buy-sell)/total, -1, 1)
}
