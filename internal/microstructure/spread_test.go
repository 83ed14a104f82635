package microstructure

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordQuotes(t *testing.T, a *BidAskAnalyzer, symbol string, quotes ...Quote) {
	t.Helper()
	for i, q := range quotes {
		if q.Timestamp.IsZero() {
			q.Timestamp = baseTime.Add(time.Duration(i) * time.Second)
		}
		require.NoError(t, a.RecordQuote(symbol, q))
	}
}

func TestBidAsk_AnalyzeSpreadAtAsk(t *testing.T) {
	a := NewBidAskAnalyzer(DefaultConfig())
	recordQuotes(t, a, "BTC-USD", Quote{Bid: 100, Ask: 100.10, BidSize: 5, AskSize: 5})

	res, err := a.AnalyzeSpread("BTC-USD", 100.10, Buy)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, res.PriceImprovement, 1e-9)
	assert.InDelta(t, 100.05, res.Mid, 1e-9)
	assert.InDelta(t, 0.10, res.QuotedSpread, 1e-9)
	assert.InDelta(t, 10.0, res.QuotedSpreadBps, 0.01)
	assert.InDelta(t, 0.10, res.EffectiveSpread, 1e-9)
}

func TestBidAsk_AnalyzeSpreadImprovement(t *testing.T) {
	a := NewBidAskAnalyzer(DefaultConfig())
	recordQuotes(t, a, "BTC-USD", Quote{Bid: 100, Ask: 100.10})

	buy, err := a.AnalyzeSpread("BTC-USD", 100.07, Buy)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, buy.PriceImprovement, 1e-9)
	assert.InDelta(t, 0.04, buy.EffectiveSpread, 1e-9)

	sell, err := a.AnalyzeSpread("BTC-USD", 100.01, Sell)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, sell.PriceImprovement, 1e-9)
	assert.InDelta(t, 0.08, sell.EffectiveSpread, 1e-9)

	_, err = a.AnalyzeSpread("BTC-USD", 100.01, Unknown)
	assert.Error(t, err)
	_, err = a.AnalyzeSpread("ETH-USD", 100.01, Buy)
	assert.Error(t, err)
}

func TestBidAsk_Metrics(t *testing.T) {
	a := NewBidAskAnalyzer(DefaultConfig())
	recordQuotes(t, a, "BTC-USD",
		Quote{Bid: 100, Ask: 100.20, BidSize: 1, AskSize: 1},
		Quote{Bid: 100, Ask: 100.30, BidSize: 1, AskSize: 1},
		Quote{Bid: 100, Ask: 100.10, BidSize: 1, AskSize: 3},
	)

	m, ok := a.Metrics("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, 3, m.SampleCount)
	assert.InDelta(t, 0.10, m.Spread, 1e-9)
	assert.InDelta(t, 0.5, m.SizeImbalance, 1e-12)
	assert.InDelta(t, 0.2, m.MeanSpread, 1e-9)
	assert.Less(t, m.MinSpreadBps, m.MaxSpreadBps)
	assert.Greater(t, m.StdDevBps, 0.0)
	assert.InDelta(t, m.Spread/m.Mid*100, m.SpreadPctOfMid, 1e-12)
	// Current spread is the tightest in the window
	assert.InDelta(t, 100.0, m.TightnessScore, 1e-9)
}

func TestBidAsk_TightnessScoreForWidestQuote(t *testing.T) {
	a := NewBidAskAnalyzer(DefaultConfig())
	recordQuotes(t, a, "BTC-USD",
		Quote{Bid: 100, Ask: 100.10},
		Quote{Bid: 100, Ask: 100.20},
		Quote{Bid: 100, Ask: 100.30},
		Quote{Bid: 100, Ask: 100.40},
	)

	m, ok := a.Metrics("BTC-USD")
	require.True(t, ok)
	assert.InDelta(t, 25.0, m.TightnessScore, 1e-9)
}

func TestBidAsk_ZeroMidGuard(t *testing.T) {
	q := Quote{Bid: 0, Ask: 0}
	assert.Equal(t, 0.0, q.SpreadBps())
}

func TestBidAsk_DetectSpreadWidening(t *testing.T) {
	a := NewBidAskAnalyzer(DefaultConfig())
	recordQuotes(t, a, "BTC-USD",
		Quote{Bid: 100, Ask: 100.10},
		Quote{Bid: 100, Ask: 100.11},
		Quote{Bid: 100, Ask: 100.09},
		Quote{Bid: 100, Ask: 100.10},
		Quote{Bid: 100, Ask: 100.50},
	)

	res, ok := a.DetectSpreadWidening("BTC-USD", 2)
	require.True(t, ok)
	assert.True(t, res.IsWidening)
	assert.Greater(t, res.ZScore, 2.0)
	assert.Equal(t, 4, res.HistoryPoints)

	b := NewBidAskAnalyzer(DefaultConfig())
	recordQuotes(t, b, "BTC-USD",
		Quote{Bid: 100, Ask: 100.10},
		Quote{Bid: 100, Ask: 100.11},
		Quote{Bid: 100, Ask: 100.10},
	)
	res, ok = b.DetectSpreadWidening("BTC-USD", 0)
	require.True(t, ok)
	assert.False(t, res.IsWidening)
	assert.Equal(t, 2.0, res.StdDevs)

	_, ok = NewBidAskAnalyzer(nil).DetectSpreadWidening("BTC-USD", 2)
	assert.False(t, ok)
}

func TestBidAsk_RollMeasure(t *testing.T) {
	a := NewBidAskAnalyzer(DefaultConfig())
	// Mid bounces between 100.00 and 100.10: perfectly negative autocovariance
	var quotes []Quote
	for i := 0; i < 10; i++ {
		offset := 0.0
		if i%2 == 1 {
			offset = 0.10
		}
		quotes = append(quotes, Quote{Bid: 99.95 + offset, Ask: 100.05 + offset})
	}
	recordQuotes(t, a, "BTC-USD", quotes...)

	res, ok := a.RollMeasure("BTC-USD")
	require.True(t, ok)
	assert.Less(t, res.Covariance, 0.0)
	assert.InDelta(t, 2*math.Sqrt(-res.Covariance), res.Spread, 1e-12)
	assert.Greater(t, res.SpreadBps, 0.0)

	// Trending mid has non-negative autocovariance
	trend := NewBidAskAnalyzer(DefaultConfig())
	for i := 0; i < 6; i++ {
		p := 100 + float64(i)*0.1
		require.NoError(t, trend.RecordQuote("ETH-USD", Quote{Timestamp: baseTime.Add(time.Duration(i) * time.Second), Bid: p, Ask: p + 0.1}))
	}
	res, ok = trend.RollMeasure("ETH-USD")
	require.True(t, ok)
	assert.InDelta(t, 0.0, res.Spread, 1e-6)
}

func TestBidAsk_OutOfOrderRejected(t *testing.T) {
	a := NewBidAskAnalyzer(DefaultConfig())
	require.NoError(t, a.RecordQuote("BTC-USD", Quote{Timestamp: baseTime.Add(time.Second), Bid: 100, Ask: 101}))
	err := a.RecordQuote("BTC-USD", Quote{Timestamp: baseTime, Bid: 100, Ask: 101})
	assert.True(t, errors.Is(err, ErrOutOfOrder))
	assert.Len(t, a.Quotes("BTC-USD"), 1)
}

func TestQuote_Validate(t *testing.T) {
	assert.NoError(t, Quote{Bid: 100, Ask: 100}.Validate())
	assert.ErrorIs(t, Quote{Bid: 101, Ask: 100}.Validate(), ErrInvalidQuote)
	assert.ErrorIs(t, Quote{Bid: math.Inf(1), Ask: 100}.Validate(), ErrInvalidQuote)
	assert.ErrorIs(t, Quote{Bid: 100, Ask: 101, BidSize: -1}.Validate(), ErrInvalidQuote)
}
