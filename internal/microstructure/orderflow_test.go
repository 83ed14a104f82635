package microstructure

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func recordSided(t *testing.T, a *OrderFlowAnalyzer, symbol string, i int, side Classification, volume float64) {
	t.Helper()
	price := 100.10 // at the ask
	if side == Sell {
		price = 100.00 // at the bid
	}
	trade := Trade{Timestamp: baseTime.Add(time.Duration(i) * time.Second), Price: price, Volume: volume}
	got, err := a.Record(symbol, trade, 100.00, 100.10)
	require.NoError(t, err)
	require.Equal(t, side, got.Classification)
}

func TestOrderFlow_SevenBuysThreeSells(t *testing.T) {
	a := NewOrderFlowAnalyzer(DefaultConfig())
	for i := 0; i < 10; i++ {
		side := Buy
		if i >= 7 {
			side = Sell
		}
		recordSided(t, a, "BTC-USD", i, side, 1)
	}

	m, ok := a.Metrics("BTC-USD", 0)
	require.True(t, ok)

	assert.InDelta(t, 0.4, m.OFI, 1e-12)
	assert.True(t, m.IsBullish)
	assert.False(t, m.IsBearish)
	assert.Equal(t, 10, m.TradeCount)
	assert.Equal(t, 7, m.BuyCount)
	assert.Equal(t, 3, m.SellCount)
	assert.InDelta(t, 0.7, m.BuyPressure, 1e-12)
	assert.InDelta(t, 0.3, m.SellPressure, 1e-12)
	assert.InDelta(t, 0.4, m.NetPressure, 1e-12)
	assert.InDelta(t, 100.10, m.BuyVWAP, 1e-9)
	assert.InDelta(t, 100.00, m.SellVWAP, 1e-9)
	assert.InDelta(t, (7*100.10+3*100.00)/10, m.VWAP, 1e-9)
}

func TestOrderFlow_NoData(t *testing.T) {
	a := NewOrderFlowAnalyzer(nil)
	_, ok := a.Metrics("ETH-USD", 0)
	assert.False(t, ok)

	_, ok = a.ToxicFlow("ETH-USD", 0.3)
	assert.False(t, ok)
	assert.Nil(t, a.RollingOFI("ETH-USD", 5))
}

func TestOrderFlow_PressuresSumToOne(t *testing.T) {
	a := NewOrderFlowAnalyzer(DefaultConfig())
	volumes := []float64{0.5, 3, 1.25, 7, 0.1, 2.2, 9.9}
	for i, v := range volumes {
		side := Buy
		if i%3 == 0 {
			side = Sell
		}
		recordSided(t, a, "SOL-USD", i, side, v)
	}
	// At mid: the first upticks from the bid, the second repeats the price and stays unknown
	uptick, err := a.Record("SOL-USD", Trade{Timestamp: baseTime.Add(time.Minute), Price: 100.05, Volume: 4}, 100.00, 100.10)
	require.NoError(t, err)
	assert.Equal(t, Buy, uptick.Classification)
	flat, err := a.Record("SOL-USD", Trade{Timestamp: baseTime.Add(2 * time.Minute), Price: 100.05, Volume: 4}, 100.00, 100.10)
	require.NoError(t, err)
	assert.Equal(t, Unknown, flat.Classification)

	m, ok := a.Metrics("SOL-USD", 0)
	require.True(t, ok)
	assert.Equal(t, 1, m.UnknownCount)
	assert.GreaterOrEqual(t, m.OFI, -1.0)
	assert.LessOrEqual(t, m.OFI, 1.0)
	assert.InDelta(t, 1.0, m.BuyPressure+m.SellPressure, 1e-12)
}

func TestOrderFlow_Lookback(t *testing.T) {
	a := NewOrderFlowAnalyzer(DefaultConfig())
	recordSided(t, a, "BTC-USD", 0, Sell, 5)
	recordSided(t, a, "BTC-USD", 100, Buy, 1)
	recordSided(t, a, "BTC-USD", 110, Buy, 1)

	m, ok := a.Metrics("BTC-USD", 30*time.Second)
	require.True(t, ok)
	assert.Equal(t, 2, m.TradeCount)
	assert.InDelta(t, 1.0, m.OFI, 1e-12)

	all, ok := a.Metrics("BTC-USD", 0)
	require.True(t, ok)
	assert.Equal(t, 3, all.TradeCount)
	assert.True(t, all.IsBearish)
}

func TestOrderFlow_RejectsMalformedAndOutOfOrder(t *testing.T) {
	a := NewOrderFlowAnalyzer(DefaultConfig())
	recordSided(t, a, "BTC-USD", 10, Buy, 1)

	_, err := a.Record("BTC-USD", Trade{Timestamp: baseTime.Add(20 * time.Second), Price: 100, Volume: -1}, 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidTrade))

	_, err = a.Record("BTC-USD", Trade{Timestamp: baseTime.Add(20 * time.Second), Price: math.NaN(), Volume: 1}, 0, 0)
	assert.True(t, errors.Is(err, ErrInvalidTrade))

	_, err = a.Record("BTC-USD", Trade{Timestamp: baseTime, Price: 100, Volume: 1}, 0, 0)
	assert.True(t, errors.Is(err, ErrOutOfOrder))

	assert.Len(t, a.Trades("BTC-USD"), 1)
}

func TestOrderFlow_WindowEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TradeWindow = 5
	a := NewOrderFlowAnalyzer(cfg)
	for i := 0; i < 5; i++ {
		recordSided(t, a, "BTC-USD", i, Sell, 1)
	}
	for i := 5; i < 10; i++ {
		recordSided(t, a, "BTC-USD", i, Buy, 1)
	}

	m, ok := a.Metrics("BTC-USD", 0)
	require.True(t, ok)
	assert.Equal(t, 5, m.TradeCount)
	assert.InDelta(t, 1.0, m.OFI, 1e-12)
	assert.Equal(t, baseTime.Add(5*time.Second), m.WindowStart)
}

func TestOrderFlow_TickRuleUsesPreviousTrade(t *testing.T) {
	a := NewOrderFlowAnalyzer(DefaultConfig())
	first, err := a.Record("BTC-USD", Trade{Timestamp: baseTime, Price: 100, Volume: 1}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, Unknown, first.Classification)

	second, err := a.Record("BTC-USD", Trade{Timestamp: baseTime.Add(time.Second), Price: 101, Volume: 1}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, Buy, second.Classification)

	third, err := a.Record("BTC-USD", Trade{Timestamp: baseTime.Add(2 * time.Second), Price: 100.5, Volume: 1}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, Sell, third.Classification)
}

func TestOrderFlow_ToxicFlowIsRelativeToWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ToxicRecentTrades = 3
	a := NewOrderFlowAnalyzer(cfg)

	// Uniform sizes never flag, even with one-sided flow
	for i := 0; i < 10; i++ {
		recordSided(t, a, "UNI-USD", i, Buy, 2)
	}
	res, ok := a.ToxicFlow("UNI-USD", 0.3)
	require.True(t, ok)
	assert.InDelta(t, 1.0, res.OFI, 1e-12)
	assert.False(t, res.IsToxic)

	// Recent trades larger than the window mean plus extreme OFI flags
	for i := 0; i < 7; i++ {
		recordSided(t, a, "BIG-USD", i, Buy, 1)
	}
	for i := 7; i < 10; i++ {
		recordSided(t, a, "BIG-USD", i, Buy, 10)
	}
	res, ok = a.ToxicFlow("BIG-USD", 0.3)
	require.True(t, ok)
	assert.True(t, res.IsToxic)
	assert.InDelta(t, 10, res.RecentAvgSize, 1e-12)
	assert.InDelta(t, 3.7, res.WindowMeanSize, 1e-12)
	assert.Equal(t, 3, res.RecentTradeSpan)

	// Large recent trades with balanced flow stay below the OFI threshold
	for i := 0; i < 6; i++ {
		side := Buy
		if i%2 == 1 {
			side = Sell
		}
		recordSided(t, a, "BAL-USD", i, side, 1)
	}
	recordSided(t, a, "BAL-USD", 6, Buy, 10)
	recordSided(t, a, "BAL-USD", 7, Sell, 10)
	res, ok = a.ToxicFlow("BAL-USD", 0.3)
	require.True(t, ok)
	assert.False(t, res.IsToxic)
}

func TestOrderFlow_RollingOFI(t *testing.T) {
	a := NewOrderFlowAnalyzer(DefaultConfig())
	sides := []Classification{Buy, Buy, Sell, Sell, Buy}
	for i, s := range sides {
		recordSided(t, a, "BTC-USD", i, s, 1)
	}

	series := a.RollingOFI("BTC-USD", 2)
	require.Len(t, series, 4)
	expected := []float64{1, 0, -1, 0}
	for i := range expected {
		assert.InDelta(t, expected[i], series[i], 1e-12)
	}

	assert.Nil(t, a.RollingOFI("BTC-USD", 6))
}
