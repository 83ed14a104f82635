package microstructure

import (
	"fmt"
	"math"
	"time"
)

// ToxicityLevel bands a VPIN estimate
type ToxicityLevel string

const (
	ToxicityLow      ToxicityLevel = "low"
	ToxicityModerate ToxicityLevel = "moderate"
	ToxicityHigh     ToxicityLevel = "high"
	ToxicityCritical ToxicityLevel = "critical"
)

// Trend compares the current VPIN with the preceding window
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// VolumeBucket is a closed, immutable volume bucket
type VolumeBucket struct {
	Timestamp   time.Time `json:"timestamp"`
	BuyVolume   float64   `json:"buy_volume"`
	SellVolume  float64   `json:"sell_volume"`
	TotalVolume float64   `json:"total_volume"`
}

// OrderImbalance returns |buy - sell|
func (b VolumeBucket) OrderImbalance() float64 {
	return math.Abs(b.BuyVolume - b.SellVolume)
}

// VPINMetrics is the toxicity estimate for one symbol
type VPINMetrics struct {
	Symbol         string        `json:"symbol"`
	Timestamp      time.Time     `json:"timestamp"`
	VPIN           float64       `json:"vpin"`
	ToxicityLevel  ToxicityLevel `json:"toxicity_level"`
	Trend          Trend         `json:"trend"`
	PreviousVPIN   *float64      `json:"previous_vpin,omitempty"`
	IsToxic        bool          `json:"is_toxic"`
	AvgImbalance   float64       `json:"avg_imbalance"`
	AvgVolume      float64       `json:"avg_volume"`
	NetImbalance   float64       `json:"net_imbalance"` // Signed (buy - sell) / volume over the window
	BucketCount    int           `json:"bucket_count"`
	BucketSize     float64       `json:"bucket_size"`
	NumBuckets     int           `json:"num_buckets"`
	CurrentFillPct float64       `json:"current_fill_pct"`
}

// AdverseSelection splits a quoted spread into adverse selection and order processing cost
type AdverseSelection struct {
	Symbol              string  `json:"symbol"`
	VPIN                float64 `json:"vpin"`
	SpreadBps           float64 `json:"spread_bps"`
	AdverseSelectionBps float64 `json:"adverse_selection_bps"`
	OrderProcessingBps  float64 `json:"order_processing_bps"`
}

// VPINCalculator accumulates classified volume into fixed-size buckets per symbol
type VPINCalculator struct {
	bucketSize float64
	numBuckets int
	symbols    *registry[bucketState]
}

type bucketState struct {
	current VolumeBucket
	closed  *Window[VolumeBucket]
}

// NewVPINCalculator creates a calculator keeping 2*numBuckets closed buckets per symbol
func NewVPINCalculator(bucketSize float64, numBuckets int) *VPINCalculator {
	if bucketSize <= 0 {
		bucketSize = DefaultConfig().VPINBucketSize
	}
	if numBuckets <= 0 {
		numBuckets = DefaultConfig().VPINNumBuckets
	}
	capacity := 2 * numBuckets
	return &VPINCalculator{
		bucketSize: bucketSize,
		numBuckets: numBuckets,
		symbols: newRegistry(func() *bucketState {
			return &bucketState{closed: NewWindow[VolumeBucket](capacity)}
		}),
	}
}

// AddTrade adds a classified trade's volume to the current bucket. Unknown volume is split
// evenly between buy and sell.
func (v *VPINCalculator) AddTrade(symbol string, t Trade) error {
	if !finite(t.Volume) || t.Volume < 0 {
		return fmt.Errorf("%w: volume %v", ErrInvalidTrade, t.Volume)
	}
	buy, sell := 0.0, 0.0
	switch t.Classification {
	case Buy:
		buy = t.Volume
	case Sell:
		sell = t.Volume
	default:
		buy, sell = t.Volume/2, t.Volume/2
	}
	return v.AddVolume(symbol, buy, sell, t.Timestamp)
}

// AddVolume adds pre-classified volume. The current bucket closes once its total reaches the
// bucket size; the whole addition lands in that bucket.
func (v *VPINCalculator) AddVolume(symbol string, buy, sell float64, ts time.Time) error {
	if !finite(buy) || !finite(sell) || buy < 0 || sell < 0 {
		return fmt.Errorf("%w: buy=%v sell=%v", ErrInvalidTrade, buy, sell)
	}
	if buy+sell == 0 {
		return nil
	}
	return v.symbols.write(symbol, func(s *bucketState) error {
		s.current.BuyVolume += buy
		s.current.SellVolume += sell
		s.current.TotalVolume += buy + sell
		s.current.Timestamp = ts
		if s.current.TotalVolume >= v.bucketSize {
			s.closed.Push(s.current)
			s.current = VolumeBucket{}
		}
		return nil
	})
}

// Buckets returns the closed buckets, oldest first
func (v *VPINCalculator) Buckets(symbol string) []VolumeBucket {
	var buckets []VolumeBucket
	v.symbols.read(symbol, func(s *bucketState) {
		buckets = s.closed.Snapshot()
	})
	return buckets
}

// Calculate returns VPIN over the last numBuckets closed buckets. It returns false until that
// many buckets have closed. Trend needs 2*numBuckets and reports stable before then.
func (v *VPINCalculator) Calculate(symbol string) (*VPINMetrics, bool) {
	var (
		buckets []VolumeBucket
		current VolumeBucket
	)
	v.symbols.read(symbol, func(s *bucketState) {
		buckets = s.closed.Snapshot()
		current = s.current
	})
	if len(buckets) < v.numBuckets {
		return nil, false
	}

	window := buckets[len(buckets)-v.numBuckets:]
	vpin, avgImbalance, avgVolume, net := vpinOver(window)

	m := &VPINMetrics{
		Symbol:         symbol,
		Timestamp:      window[len(window)-1].Timestamp,
		VPIN:           vpin,
		ToxicityLevel:  ToxicityFor(vpin),
		Trend:          TrendStable,
		IsToxic:        vpin >= 0.5,
		AvgImbalance:   avgImbalance,
		AvgVolume:      avgVolume,
		NetImbalance:   net,
		BucketCount:    len(buckets),
		BucketSize:     v.bucketSize,
		NumBuckets:     v.numBuckets,
		CurrentFillPct: current.TotalVolume / v.bucketSize * 100,
	}

	if len(buckets) >= 2*v.numBuckets {
		prevWindow := buckets[len(buckets)-2*v.numBuckets : len(buckets)-v.numBuckets]
		prev, _, _, _ := vpinOver(prevWindow)
		m.PreviousVPIN = &prev
		m.Trend = trendFor(vpin, prev)
	}
	return m, true
}

// IsToxic reports VPIN >= 0.5; false without enough buckets
func (v *VPINCalculator) IsToxic(symbol string) bool {
	m, ok := v.Calculate(symbol)
	return ok && m.IsToxic
}

// AdverseSelectionCost attributes VPIN*spread to adverse selection and the rest to order processing
func (v *VPINCalculator) AdverseSelectionCost(symbol string, spreadBps float64) (*AdverseSelection, bool) {
	m, ok := v.Calculate(symbol)
	if !ok {
		return nil, false
	}
	adverse := m.VPIN * spreadBps
	return &AdverseSelection{
		Symbol:              symbol,
		VPIN:                m.VPIN,
		SpreadBps:           spreadBps,
		AdverseSelectionBps: adverse,
		OrderProcessingBps:  spreadBps - adverse,
	}, true
}

// Symbols lists symbols with bucket state
func (v *VPINCalculator) Symbols() []string {
	return v.symbols.symbols()
}

// ToxicityFor bands a VPIN value
func ToxicityFor(vpin float64) ToxicityLevel {
	switch {
	case vpin < 0.3:
		return ToxicityLow
	case vpin < 0.5:
		return ToxicityModerate
	case vpin < 0.7:
		return ToxicityHigh
	default:
		return ToxicityCritical
	}
}

func trendFor(current, previous float64) Trend {
	if previous == 0 {
		if current > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	switch {
	case current > previous*1.1:
		return TrendIncreasing
	case current < previous*0.9:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func vpinOver(buckets []VolumeBucket) (vpin, avgImbalance, avgVolume, net float64) {
	var imbalance, volume, signed float64
	for _, b := range buckets {
		imbalance += b.OrderImbalance()
		volume += b.TotalVolume
		signed += b.BuyVolume - b.SellVolume
	}
	n := float64(len(buckets))
	avgImbalance = imbalance / n
	avgVolume = volume / n
	if avgVolume > 0 {
		vpin = avgImbalance / avgVolume
		net = signed / volume
	}
	return vpin, avgImbalance, avgVolume, net
}
