package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/microsignal/internal/data/cache"
	"github.com/sawpanic/microsignal/internal/metrics"
	"github.com/sawpanic/microsignal/internal/microstructure"
	"github.com/sawpanic/microsignal/internal/signals"
)

// Stream names used in metrics and envelopes
const (
	StreamTrade     = "trade"
	StreamQuote     = "quote"
	StreamBook      = "book"
	StreamSentiment = "sentiment"
	StreamOnChain   = "onchain"
	StreamFlow      = "flow"
)

// ErrEmptySymbol is returned for events without a symbol
var ErrEmptySymbol = errors.New("event missing symbol")

// SourcesConfig sizes the sentiment, on-chain and whale flow sources
type SourcesConfig struct {
	SentimentMaxAge    time.Duration `yaml:"sentiment_max_age"`
	SentimentThreshold float64       `yaml:"sentiment_threshold"`
	OnChainCapacity    int           `yaml:"onchain_capacity"`
	OnChainMaxAge      time.Duration `yaml:"onchain_max_age"`
	OnChainMinMetrics  int           `yaml:"onchain_min_metrics"`
	FlowCapacity       int           `yaml:"flow_capacity"`
	FlowMaxAge         time.Duration `yaml:"flow_max_age"`
	FlowThreshold      float64       `yaml:"flow_threshold"`
}

// Config configures the analyzers, component sources and signal cache
type Config struct {
	Microstructure *microstructure.Config  `yaml:"microstructure"`
	Technical      signals.TechnicalConfig `yaml:"technical"`
	Sources        SourcesConfig           `yaml:"sources"`
	SignalCacheTTL time.Duration           `yaml:"signal_cache_ttl"`
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Microstructure: microstructure.DefaultConfig(),
		Technical:      signals.DefaultTechnicalConfig(),
		Sources: SourcesConfig{
			SentimentMaxAge:    time.Hour,
			SentimentThreshold: 0.1,
			OnChainCapacity:    50,
			OnChainMaxAge:      6 * time.Hour,
			OnChainMinMetrics:  3,
			FlowCapacity:       200,
			FlowMaxAge:         4 * time.Hour,
			FlowThreshold:      0.1,
		},
		SignalCacheTTL: 2 * time.Second,
	}
}

// Engine validates incoming events, fans them into the per-symbol analyzers and component
// sources, and serves their read side.
type Engine struct {
	config Config

	orderFlow *microstructure.OrderFlowAnalyzer
	spreads   *microstructure.BidAskAnalyzer
	depth     *microstructure.DepthAnalyzer
	vpin      *microstructure.VPINCalculator
	generator *microstructure.SignalGenerator

	technical *signals.TechnicalSource
	sentiment *signals.SentimentSource
	onChain   *signals.OnChainSource
	flow      *signals.FlowSource

	cache   cache.Cache
	metrics *metrics.Registry
	logger  zerolog.Logger

	mu      sync.RWMutex
	tracked map[string]struct{}
}

// New builds the analyzers from config. c and m may be nil.
func New(config Config, c cache.Cache, m *metrics.Registry, logger zerolog.Logger) (*Engine, error) {
	if config.Microstructure == nil {
		config.Microstructure = microstructure.DefaultConfig()
	}
	if err := config.Microstructure.Validate(); err != nil {
		return nil, fmt.Errorf("microstructure config: %w", err)
	}
	if c == nil {
		c = cache.New()
	}
	ms := config.Microstructure
	src := config.Sources

	orderFlow := microstructure.NewOrderFlowAnalyzer(ms)
	spreads := microstructure.NewBidAskAnalyzer(ms)
	depth := microstructure.NewDepthAnalyzer(ms)
	vpin := microstructure.NewVPINCalculator(ms.VPINBucketSize, ms.VPINNumBuckets)

	return &Engine{
		config:    config,
		orderFlow: orderFlow,
		spreads:   spreads,
		depth:     depth,
		vpin:      vpin,
		generator: microstructure.NewSignalGenerator(orderFlow, spreads, depth, vpin, ms),
		technical: signals.NewTechnicalSource(config.Technical),
		sentiment: signals.NewSentimentSource(src.SentimentMaxAge, src.SentimentThreshold),
		onChain:   signals.NewOnChainSource(src.OnChainCapacity, src.OnChainMaxAge, src.OnChainMinMetrics),
		flow:      signals.NewFlowSource(src.FlowCapacity, src.FlowMaxAge, src.FlowThreshold),
		cache:     c,
		metrics:   m,
		logger:    logger.With().Str("component", "engine").Logger(),
		tracked:   make(map[string]struct{}),
	}, nil
}

// IngestTrade classifies t against the latest quote for symbol and feeds it to order flow,
// VPIN and the technical price series. It returns the classified trade.
func (e *Engine) IngestTrade(symbol string, t microstructure.Trade) (microstructure.Trade, error) {
	if err := e.checkSymbol(StreamTrade, symbol); err != nil {
		return microstructure.Trade{}, err
	}
	if err := t.Validate(); err != nil {
		return microstructure.Trade{}, e.reject(StreamTrade, symbol, err)
	}

	var bid, ask float64
	if q, ok := e.spreads.LatestQuote(symbol); ok {
		bid, ask = q.Bid, q.Ask
	}
	classified, err := e.orderFlow.Record(symbol, t, bid, ask)
	if err != nil {
		return microstructure.Trade{}, e.reject(StreamTrade, symbol, err)
	}

	if err := e.vpin.AddTrade(symbol, classified); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("VPIN update failed")
	}
	if err := e.technical.RecordPrice(symbol, classified.Price); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("Price series update failed")
	}
	e.accept(StreamTrade, symbol)
	return classified, nil
}

// IngestQuote validates q and appends it to the bid-ask window
func (e *Engine) IngestQuote(symbol string, q microstructure.Quote) error {
	if err := e.checkSymbol(StreamQuote, symbol); err != nil {
		return err
	}
	if err := q.Validate(); err != nil {
		return e.reject(StreamQuote, symbol, err)
	}
	if err := e.spreads.RecordQuote(symbol, q); err != nil {
		return e.reject(StreamQuote, symbol, err)
	}
	e.accept(StreamQuote, symbol)
	return nil
}

// IngestBook replaces the order book for symbol
func (e *Engine) IngestBook(symbol string, bids, asks []microstructure.PriceLevel, ts time.Time) error {
	if err := e.checkSymbol(StreamBook, symbol); err != nil {
		return err
	}
	if err := e.depth.UpdateBook(symbol, bids, asks, ts); err != nil {
		return e.reject(StreamBook, symbol, err)
	}
	e.accept(StreamBook, symbol)
	return nil
}

// IngestSentiment records a provider's sentiment reading
func (e *Engine) IngestSentiment(symbol string, r signals.SentimentReading) error {
	if err := e.checkSymbol(StreamSentiment, symbol); err != nil {
		return err
	}
	if err := e.sentiment.Record(symbol, r); err != nil {
		return e.reject(StreamSentiment, symbol, err)
	}
	e.accept(StreamSentiment, symbol)
	return nil
}

// IngestOnChain records an on-chain metric
func (e *Engine) IngestOnChain(symbol string, m signals.OnChainMetric) error {
	if err := e.checkSymbol(StreamOnChain, symbol); err != nil {
		return err
	}
	if err := e.onChain.Record(symbol, m); err != nil {
		return e.reject(StreamOnChain, symbol, err)
	}
	e.accept(StreamOnChain, symbol)
	return nil
}

// IngestFlow records a whale transfer
func (e *Engine) IngestFlow(symbol string, w signals.WhaleFlow) error {
	if err := e.checkSymbol(StreamFlow, symbol); err != nil {
		return err
	}
	if err := e.flow.Record(symbol, w); err != nil {
		return e.reject(StreamFlow, symbol, err)
	}
	e.accept(StreamFlow, symbol)
	return nil
}

func (e *Engine) checkSymbol(stream, symbol string) error {
	if symbol == "" {
		return e.reject(stream, symbol, ErrEmptySymbol)
	}
	return nil
}

func (e *Engine) accept(stream, symbol string) {
	e.metrics.RecordIngested(stream)

	e.mu.RLock()
	_, known := e.tracked[symbol]
	e.mu.RUnlock()
	if known {
		return
	}

	e.mu.Lock()
	e.tracked[symbol] = struct{}{}
	n := len(e.tracked)
	e.mu.Unlock()
	e.metrics.SetTrackedSymbols(n)
	e.logger.Info().Str("symbol", symbol).Str("stream", stream).Msg("Tracking new symbol")
}

func (e *Engine) reject(stream, symbol string, err error) error {
	reason := rejectReason(err)
	e.metrics.RecordRejected(stream, reason)
	e.logger.Warn().Err(err).Str("stream", stream).Str("symbol", symbol).Str("reason", reason).
		Msg("Event rejected")
	return fmt.Errorf("%s %s: %w", stream, symbol, err)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, microstructure.ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrEmptySymbol):
		return "missing_symbol"
	default:
		return "invalid"
	}
}

// Symbols lists tracked symbols, sorted. It implements signals.SymbolLister.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tracked))
	for s := range e.tracked {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Tracked reports whether any event has been accepted for symbol
func (e *Engine) Tracked(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tracked[symbol]
	return ok
}

// Volatility implements signals.VolatilityProvider from the technical price series
func (e *Engine) Volatility(symbol string) (float64, bool) {
	return e.technical.Volatility(symbol)
}

// Signal returns the unified microstructure signal for symbol, served from cache within
// SignalCacheTTL. It returns false for untracked symbols.
func (e *Engine) Signal(ctx context.Context, symbol string) (*microstructure.MicrostructureSignal, bool) {
	if !e.Tracked(symbol) {
		return nil, false
	}
	key := "signal:" + symbol

	if e.config.SignalCacheTTL > 0 {
		if raw, ok := e.cache.Get(ctx, key); ok {
			var sig microstructure.MicrostructureSignal
			if err := json.Unmarshal(raw, &sig); err == nil {
				e.metrics.RecordCache("signal", true)
				return &sig, true
			}
		}
		e.metrics.RecordCache("signal", false)
	}

	sig := e.generator.Generate(symbol)
	if e.config.SignalCacheTTL > 0 {
		if raw, err := json.Marshal(sig); err == nil {
			e.cache.Set(ctx, key, raw, e.config.SignalCacheTTL)
		}
	}
	return sig, true
}

// Sources returns the four component sources for the aggregator
func (e *Engine) Sources() signals.Sources {
	return signals.Sources{
		Price:     e.technical,
		Sentiment: e.sentiment,
		OnChain:   e.onChain,
		Flow:      e.flow,
	}
}

// OrderFlow returns the order flow analyzer
func (e *Engine) OrderFlow() *microstructure.OrderFlowAnalyzer { return e.orderFlow }

// BidAsk returns the bid-ask analyzer
func (e *Engine) BidAsk() *microstructure.BidAskAnalyzer { return e.spreads }

// Depth returns the market depth analyzer
func (e *Engine) Depth() *microstructure.DepthAnalyzer { return e.depth }

// VPIN returns the VPIN calculator
func (e *Engine) VPIN() *microstructure.VPINCalculator { return e.vpin }

// Technical returns the technical price source
func (e *Engine) Technical() *signals.TechnicalSource { return e.technical }

// Config returns the effective configuration
func (e *Engine) Config() Config { return e.config }
