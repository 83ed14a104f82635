package signals

import (
	"context"
	"fmt"
	"math"
)

// TechnicalConfig sets indicator periods for the price source
type TechnicalConfig struct {
	FastPeriod int     `yaml:"fast_period"`
	SlowPeriod int     `yaml:"slow_period"`
	RSIPeriod  int     `yaml:"rsi_period"`
	Window     int     `yaml:"window"`
	Threshold  float64 `yaml:"threshold"`
}

// DefaultTechnicalConfig returns SMA 10/30 and RSI 14 over a 200 price window
func DefaultTechnicalConfig() TechnicalConfig {
	return TechnicalConfig{FastPeriod: 10, SlowPeriod: 30, RSIPeriod: 14, Window: 200, Threshold: 0.1}
}

// Indicators are the rolling values behind the price component
type Indicators struct {
	FastSMA float64 `json:"fast_sma"`
	SlowSMA float64 `json:"slow_sma"`
	RSI     float64 `json:"rsi"`
	Score   float64 `json:"score"` // Blended trend and momentum in [-1,1]
}

// TechnicalSource derives the price component from rolling SMA crossover and RSI
type TechnicalSource struct {
	config TechnicalConfig
	prices *series[float64]
}

// NewTechnicalSource creates a price source
func NewTechnicalSource(config TechnicalConfig) *TechnicalSource {
	def := DefaultTechnicalConfig()
	if config.FastPeriod <= 0 {
		config.FastPeriod = def.FastPeriod
	}
	if config.SlowPeriod <= config.FastPeriod {
		config.SlowPeriod = max(def.SlowPeriod, config.FastPeriod+1)
	}
	if config.RSIPeriod <= 0 {
		config.RSIPeriod = def.RSIPeriod
	}
	if config.Window < config.SlowPeriod {
		config.Window = max(def.Window, config.SlowPeriod)
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	return &TechnicalSource{config: config, prices: newSeries[float64](config.Window)}
}

// Name implements Source
func (t *TechnicalSource) Name() string { return "price" }

// RecordPrice appends a trade price for symbol
func (t *TechnicalSource) RecordPrice(symbol string, price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("invalid price: %v", price)
	}
	t.prices.push(symbol, price)
	return nil
}

// Symbols lists symbols with recorded prices
func (t *TechnicalSource) Symbols() []string {
	return t.prices.symbols()
}

// Indicators computes the current indicator values. It needs at least SlowPeriod prices and
// RSIPeriod price changes.
func (t *TechnicalSource) Indicators(symbol string) (Indicators, bool) {
	prices := t.prices.snapshot(symbol)
	if len(prices) < t.config.SlowPeriod || len(prices) < t.config.RSIPeriod+1 {
		return Indicators{}, false
	}

	ind := Indicators{
		FastSMA: sma(prices, t.config.FastPeriod),
		SlowSMA: sma(prices, t.config.SlowPeriod),
		RSI:     rsi(prices, t.config.RSIPeriod),
	}
	// A 2% SMA gap saturates the trend term
	trend := 0.0
	if ind.SlowSMA > 0 {
		trend = math.Max(-1, math.Min(1, (ind.FastSMA/ind.SlowSMA-1)*50))
	}
	momentum := (ind.RSI - 50) / 50
	ind.Score = 0.6*trend + 0.4*momentum
	return ind, true
}

// Signal implements Source
func (t *TechnicalSource) Signal(_ context.Context, symbol string) (Option[ComponentSignal], error) {
	ind, ok := t.Indicators(symbol)
	if !ok {
		return None[ComponentSignal](), nil
	}
	return Some(ComponentSignal{
		Direction: directionFor(ind.Score, t.config.Threshold),
		Strength:  clampUnit(math.Abs(ind.Score)),
	}), nil
}

// Volatility is the standard deviation of simple returns over the window. It needs at least
// ten prices.
func (t *TechnicalSource) Volatility(symbol string) (float64, bool) {
	prices := t.prices.snapshot(symbol)
	if len(prices) < 10 {
		return 0, false
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns = append(returns, prices[i]/prices[i-1]-1)
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns))), true
}

func sma(prices []float64, period int) float64 {
	tail := prices[len(prices)-period:]
	sum := 0.0
	for _, p := range tail {
		sum += p
	}
	return sum / float64(period)
}

// rsi uses simple average gain and loss over the last period changes
func rsi(prices []float64, period int) float64 {
	tail := prices[len(prices)-period-1:]
	var gain, loss float64
	for i := 1; i < len(tail); i++ {
		d := tail[i] - tail[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := (gain / float64(period)) / (loss / float64(period))
	return 100 - 100/(1+rs)
}
