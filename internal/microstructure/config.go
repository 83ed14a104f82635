package microstructure

import (
	"fmt"
	"time"
)

// Config holds window capacities and thresholds for the analyzers
type Config struct {
	TradeWindow          int     `yaml:"trade_window"`         // Trades kept per symbol
	QuoteWindow          int     `yaml:"quote_window"`         // Quotes kept per symbol
	OFIThreshold         float64 `yaml:"ofi_threshold"`        // |OFI| above this is directional
	ToxicFlowThreshold   float64 `yaml:"toxic_flow_threshold"` // |OFI| above this may be toxic
	ToxicRecentTrades    int     `yaml:"toxic_recent_trades"`  // Trades compared against the window mean size
	RollingOFIWindow     int     `yaml:"rolling_ofi_window"`   // Trades per rolling OFI sub-window
	SizeImbalanceThresh  float64 `yaml:"size_imbalance_threshold"`
	WideningStdDevs      float64 `yaml:"widening_std_devs"` // k in mean + k*std
	DepthLevels          int     `yaml:"depth_levels"`
	DepthImbalanceThresh float64 `yaml:"depth_imbalance_threshold"`
	ImbalanceHistory     int     `yaml:"imbalance_history"` // Derived imbalance records kept for resilience
	ImpactReferenceUSD   float64 `yaml:"impact_reference_usd"`
	CliffThresholdPct    float64 `yaml:"cliff_threshold_pct"`
	VPINBucketSize       float64 `yaml:"vpin_bucket_size"`
	VPINNumBuckets       int     `yaml:"vpin_num_buckets"`
	ToxicityFollowMin    float64 `yaml:"toxicity_follow_min"` // VPIN above which the toxicity component follows informed flow

	// Lookback for the order flow component of the unified signal; 0 uses the whole window
	SignalLookback time.Duration `yaml:"signal_lookback"`
}

// DefaultConfig returns production defaults
func DefaultConfig() *Config {
	return &Config{
		TradeWindow:          1000,
		QuoteWindow:          1000,
		OFIThreshold:         0.1,
		ToxicFlowThreshold:   0.3,
		ToxicRecentTrades:    10,
		RollingOFIWindow:     20,
		SizeImbalanceThresh:  0.1,
		WideningStdDevs:      2.0,
		DepthLevels:          10,
		DepthImbalanceThresh: 0.1,
		ImbalanceHistory:     100,
		ImpactReferenceUSD:   10000,
		CliffThresholdPct:    50,
		VPINBucketSize:       50,
		VPINNumBuckets:       50,
		ToxicityFollowMin:    0.3,
	}
}

// Validate checks capacities and thresholds
func (c *Config) Validate() error {
	if c.TradeWindow <= 0 || c.QuoteWindow <= 0 || c.ImbalanceHistory <= 0 {
		return fmt.Errorf("window capacities must be positive: trades=%d quotes=%d imbalance=%d",
			c.TradeWindow, c.QuoteWindow, c.ImbalanceHistory)
	}
	if c.DepthLevels <= 0 {
		return fmt.Errorf("depth levels must be positive: %d", c.DepthLevels)
	}
	if c.VPINBucketSize <= 0 || c.VPINNumBuckets <= 0 {
		return fmt.Errorf("vpin bucket size and count must be positive: size=%v count=%d",
			c.VPINBucketSize, c.VPINNumBuckets)
	}
	if c.OFIThreshold < 0 || c.DepthImbalanceThresh < 0 || c.WideningStdDevs < 0 {
		return fmt.Errorf("thresholds must be non-negative")
	}
	return nil
}
