package microstructure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addTrade(t *testing.T, v *VPINCalculator, symbol string, i int, side Classification, volume float64) {
	t.Helper()
	require.NoError(t, v.AddTrade(symbol, Trade{
		Timestamp:      baseTime.Add(time.Duration(i) * time.Second),
		Price:          100,
		Volume:         volume,
		Classification: side,
	}))
}

func TestVPIN_OneSidedBucketsAreCritical(t *testing.T) {
	v := NewVPINCalculator(50, 2)
	addTrade(t, v, "BTC-USD", 0, Buy, 50)
	addTrade(t, v, "BTC-USD", 1, Sell, 50)

	m, ok := v.Calculate("BTC-USD")
	require.True(t, ok)
	assert.InDelta(t, 1.0, m.VPIN, 1e-12)
	assert.Equal(t, ToxicityCritical, m.ToxicityLevel)
	assert.True(t, m.IsToxic)
	assert.True(t, v.IsToxic("BTC-USD"))
	assert.InDelta(t, 0.0, m.NetImbalance, 1e-12)
	assert.Equal(t, TrendStable, m.Trend)
	assert.Nil(t, m.PreviousVPIN)
}

func TestVPIN_BalancedBucketsAreLow(t *testing.T) {
	v := NewVPINCalculator(50, 2)
	for i := 0; i < 4; i++ {
		side := Buy
		if i%2 == 1 {
			side = Sell
		}
		addTrade(t, v, "ETH-USD", i, side, 25)
	}

	m, ok := v.Calculate("ETH-USD")
	require.True(t, ok)
	assert.InDelta(t, 0.0, m.VPIN, 1e-12)
	assert.Equal(t, ToxicityLow, m.ToxicityLevel)
	assert.False(t, m.IsToxic)
}

func TestVPIN_NotEnoughBuckets(t *testing.T) {
	v := NewVPINCalculator(50, 2)
	addTrade(t, v, "BTC-USD", 0, Buy, 50)
	addTrade(t, v, "BTC-USD", 1, Buy, 20)

	_, ok := v.Calculate("BTC-USD")
	assert.False(t, ok)
	assert.False(t, v.IsToxic("BTC-USD"))
	assert.Len(t, v.Buckets("BTC-USD"), 1)

	_, ok = v.AdverseSelectionCost("BTC-USD", 10)
	assert.False(t, ok)
}

func TestVPIN_UnknownVolumeSplitsEvenly(t *testing.T) {
	v := NewVPINCalculator(10, 1)
	addTrade(t, v, "BTC-USD", 0, Unknown, 10)

	buckets := v.Buckets("BTC-USD")
	require.Len(t, buckets, 1)
	assert.InDelta(t, 5, buckets[0].BuyVolume, 1e-12)
	assert.InDelta(t, 5, buckets[0].SellVolume, 1e-12)
	assert.InDelta(t, 0, buckets[0].OrderImbalance(), 1e-12)
}

func TestVPIN_BucketClosesWithoutSplitting(t *testing.T) {
	v := NewVPINCalculator(50, 1)
	addTrade(t, v, "BTC-USD", 0, Buy, 30)
	addTrade(t, v, "BTC-USD", 1, Sell, 40)

	buckets := v.Buckets("BTC-USD")
	require.Len(t, buckets, 1)
	assert.InDelta(t, 70, buckets[0].TotalVolume, 1e-12)
	assert.Equal(t, baseTime.Add(time.Second), buckets[0].Timestamp)

	m, ok := v.Calculate("BTC-USD")
	require.True(t, ok)
	assert.InDelta(t, 10.0/70.0, m.VPIN, 1e-12)
	assert.InDelta(t, 0, m.CurrentFillPct, 1e-12)
}

func TestVPIN_TrendAndRetention(t *testing.T) {
	v := NewVPINCalculator(10, 2)
	// Two balanced buckets then two one-sided buckets
	addTrade(t, v, "BTC-USD", 0, Unknown, 10)
	addTrade(t, v, "BTC-USD", 1, Unknown, 10)
	addTrade(t, v, "BTC-USD", 2, Buy, 10)
	addTrade(t, v, "BTC-USD", 3, Buy, 10)

	m, ok := v.Calculate("BTC-USD")
	require.True(t, ok)
	assert.InDelta(t, 1.0, m.VPIN, 1e-12)
	require.NotNil(t, m.PreviousVPIN)
	assert.InDelta(t, 0.0, *m.PreviousVPIN, 1e-12)
	assert.Equal(t, TrendIncreasing, m.Trend)
	assert.InDelta(t, 1.0, m.NetImbalance, 1e-12)

	addTrade(t, v, "BTC-USD", 4, Unknown, 10)
	addTrade(t, v, "BTC-USD", 5, Unknown, 10)
	m, ok = v.Calculate("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, TrendDecreasing, m.Trend)
	assert.Len(t, v.Buckets("BTC-USD"), 4)
}

func TestVPIN_AdverseSelectionCost(t *testing.T) {
	v := NewVPINCalculator(10, 1)
	addTrade(t, v, "BTC-USD", 0, Buy, 7.5)
	addTrade(t, v, "BTC-USD", 1, Sell, 2.5)

	cost, ok := v.AdverseSelectionCost("BTC-USD", 20)
	require.True(t, ok)
	assert.InDelta(t, 0.5, cost.VPIN, 1e-12)
	assert.InDelta(t, 10, cost.AdverseSelectionBps, 1e-12)
	assert.InDelta(t, 10, cost.OrderProcessingBps, 1e-12)
}

func TestToxicityFor(t *testing.T) {
	assert.Equal(t, ToxicityLow, ToxicityFor(0.29))
	assert.Equal(t, ToxicityModerate, ToxicityFor(0.3))
	assert.Equal(t, ToxicityHigh, ToxicityFor(0.5))
	assert.Equal(t, ToxicityCritical, ToxicityFor(0.7))
}

func TestVPIN_RejectsNegativeVolume(t *testing.T) {
	v := NewVPINCalculator(10, 1)
	assert.ErrorIs(t, v.AddVolume("BTC-USD", -1, 0, baseTime), ErrInvalidTrade)
}
