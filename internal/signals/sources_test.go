package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func TestTechnicalSource_NeedsSlowPeriod(t *testing.T) {
	src := NewTechnicalSource(DefaultTechnicalConfig())
	for i := 0; i < 29; i++ {
		require.NoError(t, src.RecordPrice("BTC-USD", 100+float64(i)))
	}
	got, err := src.Signal(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.False(t, got.IsSome())

	require.NoError(t, src.RecordPrice("BTC-USD", 130))
	got, err = src.Signal(context.Background(), "BTC-USD")
	require.NoError(t, err)
	c, ok := got.Get()
	require.True(t, ok)
	assert.Equal(t, Bullish, c.Direction)
	assert.Greater(t, c.Strength, 0.5)
}

func TestTechnicalSource_Indicators(t *testing.T) {
	src := NewTechnicalSource(DefaultTechnicalConfig())
	for i := 0; i < 40; i++ {
		require.NoError(t, src.RecordPrice("ETH-USD", 200-float64(i)))
	}

	ind, ok := src.Indicators("ETH-USD")
	require.True(t, ok)
	assert.Less(t, ind.FastSMA, ind.SlowSMA)
	assert.Equal(t, 0.0, ind.RSI)
	assert.InDelta(t, -1.0, ind.Score, 1e-12)

	got, err := src.Signal(context.Background(), "ETH-USD")
	require.NoError(t, err)
	c, _ := got.Get()
	assert.Equal(t, Bearish, c.Direction)
	assert.InDelta(t, 1.0, c.Strength, 1e-12)

	assert.Error(t, src.RecordPrice("ETH-USD", -1))
	assert.Equal(t, []string{"ETH-USD"}, src.Symbols())
}

func TestTechnicalSource_FlatPricesAreNeutral(t *testing.T) {
	src := NewTechnicalSource(DefaultTechnicalConfig())
	for i := 0; i < 30; i++ {
		require.NoError(t, src.RecordPrice("SOL-USD", 50))
	}
	ind, ok := src.Indicators("SOL-USD")
	require.True(t, ok)
	assert.Equal(t, 50.0, ind.RSI)

	got, err := src.Signal(context.Background(), "SOL-USD")
	require.NoError(t, err)
	c, _ := got.Get()
	assert.Equal(t, Neutral, c.Direction)
	assert.Equal(t, 0.0, c.Strength)

	vol, ok := src.Volatility("SOL-USD")
	require.True(t, ok)
	assert.Equal(t, 0.0, vol)
}

func TestTechnicalSource_Volatility(t *testing.T) {
	src := NewTechnicalSource(DefaultTechnicalConfig())
	_, ok := src.Volatility("BTC-USD")
	assert.False(t, ok)

	for i := 0; i < 20; i++ {
		p := 100.0
		if i%2 == 1 {
			p = 110
		}
		require.NoError(t, src.RecordPrice("BTC-USD", p))
	}
	vol, ok := src.Volatility("BTC-USD")
	require.True(t, ok)
	assert.Greater(t, vol, 0.05)
}

func TestSentimentSource(t *testing.T) {
	src := NewSentimentSource(time.Hour, 0.1)
	src.now = func() time.Time { return now }

	got, err := src.Signal(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.False(t, got.IsSome())

	require.NoError(t, src.Record("BTC-USD", SentimentReading{Source: "twitter", Score: 0.8, Volume: 300, Timestamp: now}))
	require.NoError(t, src.Record("BTC-USD", SentimentReading{Source: "reddit", Score: -0.4, Volume: 100, Timestamp: now}))
	// Stale readings are ignored
	require.NoError(t, src.Record("BTC-USD", SentimentReading{Source: "news", Score: -1, Volume: 1000, Timestamp: now.Add(-2 * time.Hour)}))

	got, err = src.Signal(context.Background(), "BTC-USD")
	require.NoError(t, err)
	c, ok := got.Get()
	require.True(t, ok)
	assert.Equal(t, Bullish, c.Direction)
	assert.InDelta(t, (0.8*300-0.4*100)/400, c.Strength, 1e-12)

	// Older reading from a provider never replaces a newer one
	require.NoError(t, src.Record("BTC-USD", SentimentReading{Source: "twitter", Score: -1, Volume: 300, Timestamp: now.Add(-time.Minute)}))
	got, _ = src.Signal(context.Background(), "BTC-USD")
	c, _ = got.Get()
	assert.Equal(t, Bullish, c.Direction)

	assert.Error(t, src.Record("BTC-USD", SentimentReading{Source: "x", Score: 2}))
	assert.Error(t, src.Record("BTC-USD", SentimentReading{Score: 0.1}))
}

func TestOnChainSource_MajorityVote(t *testing.T) {
	src := NewOnChainSource(10, time.Hour, 3)
	src.now = func() time.Time { return now }

	require.NoError(t, src.Record("BTC-USD", OnChainMetric{Name: "exchange_reserves", Direction: Bullish, Timestamp: now}))
	require.NoError(t, src.Record("BTC-USD", OnChainMetric{Name: "active_addresses", Direction: Bullish, Timestamp: now}))
	got, err := src.Signal(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.False(t, got.IsSome(), "fewer than three metrics")

	require.NoError(t, src.Record("BTC-USD", OnChainMetric{Name: "miner_outflow", Direction: Bearish, Timestamp: now}))
	got, err = src.Signal(context.Background(), "BTC-USD")
	require.NoError(t, err)
	c, ok := got.Get()
	require.True(t, ok)
	assert.Equal(t, Bullish, c.Direction)
	assert.InDelta(t, 2.0/3.0, c.Strength, 1e-12)

	require.NoError(t, src.Record("BTC-USD", OnChainMetric{Name: "nvt", Direction: Bearish, Timestamp: now}))
	got, _ = src.Signal(context.Background(), "BTC-USD")
	c, _ = got.Get()
	assert.Equal(t, Neutral, c.Direction)

	assert.Error(t, src.Record("BTC-USD", OnChainMetric{Name: "bad", Direction: "up"}))
}

func TestFlowSource(t *testing.T) {
	src := NewFlowSource(10, time.Hour, 0.1)
	src.now = func() time.Time { return now }

	got, err := src.Signal(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.False(t, got.IsSome())

	require.NoError(t, src.Record("BTC-USD", WhaleFlow{Kind: FlowOutflow, AmountUSD: 1_000_000, Significance: 0.9, Timestamp: now}))
	require.NoError(t, src.Record("BTC-USD", WhaleFlow{Kind: FlowInflow, AmountUSD: 2_000_000, Significance: 0.1, Timestamp: now}))

	got, err = src.Signal(context.Background(), "BTC-USD")
	require.NoError(t, err)
	c, ok := got.Get()
	require.True(t, ok)
	assert.Equal(t, Bearish, c.Direction)
	assert.InDelta(t, (900_000.0-200_000.0)/1_100_000.0, c.Strength, 1e-12)

	assert.Error(t, src.Record("BTC-USD", WhaleFlow{Kind: "sideways"}))
	assert.Error(t, src.Record("BTC-USD", WhaleFlow{Kind: FlowInflow, Significance: 2}))
}
