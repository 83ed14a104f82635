package signals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sawpanic/microsignal/internal/metrics"
)

// SymbolLister returns the symbols currently tracked by ingestion
type SymbolLister interface {
	Symbols() []string
}

// VolatilityProvider supplies the volatility proxy used for risk tiering
type VolatilityProvider interface {
	Volatility(symbol string) (float64, bool)
}

// Store persists aggregates into the bounded buffer
type Store interface {
	Store(ctx context.Context, agg *MarketSignalAggregate) error
}

// Publisher sends aggregates to the message bus
type Publisher interface {
	Publish(ctx context.Context, agg *MarketSignalAggregate) error
}

// Sources are the four component sources. Any may be nil and is then always absent.
type Sources struct {
	Price     Source
	Sentiment Source
	OnChain   Source
	Flow      Source
}

// AggregatorConfig controls cadence, timeouts and fusion weights
type AggregatorConfig struct {
	Interval       time.Duration    `yaml:"interval"`
	SourceTimeout  time.Duration    `yaml:"source_timeout"`
	PublishTimeout time.Duration    `yaml:"publish_timeout"`
	Weights        ComponentWeights `yaml:"weights"`
}

// DefaultAggregatorConfig returns a 60s cadence with 2s source and publish timeouts
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Interval:       60 * time.Second,
		SourceTimeout:  2 * time.Second,
		PublishTimeout: 2 * time.Second,
		Weights:        DefaultWeights(),
	}
}

// CycleResult counts per-symbol outcomes of one cycle
type CycleResult struct {
	Published int           `json:"published"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Aggregator periodically fuses the four sources for every tracked symbol, stores the result in
// the buffer and publishes it. Failures are isolated per symbol and retried next cycle.
type Aggregator struct {
	config     AggregatorConfig
	sources    Sources
	volatility VolatilityProvider
	symbols    SymbolLister
	store      Store
	publisher  Publisher
	metrics    *metrics.Registry
	logger     zerolog.Logger

	now   func() time.Time
	newID func() string

	mu     sync.RWMutex
	latest map[string]*MarketSignalAggregate

	cron *cron.Cron
}

// NewAggregator validates config and wires the aggregator. store, publisher, volatility and m
// may be nil.
func NewAggregator(config AggregatorConfig, sources Sources, symbols SymbolLister, volatility VolatilityProvider,
	store Store, publisher Publisher, m *metrics.Registry, logger zerolog.Logger) (*Aggregator, error) {
	if symbols == nil {
		return nil, fmt.Errorf("aggregator requires a symbol lister")
	}
	if err := config.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("aggregator weights: %w", err)
	}
	def := DefaultAggregatorConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = def.SourceTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = def.PublishTimeout
	}
	config.Weights = config.Weights.Normalized()

	return &Aggregator{
		config:     config,
		sources:    sources,
		volatility: volatility,
		symbols:    symbols,
		store:      store,
		publisher:  publisher,
		metrics:    m,
		logger:     logger.With().Str("component", "aggregator").Logger(),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		latest:     make(map[string]*MarketSignalAggregate),
	}, nil
}

// Start schedules RunCycle every Interval. Overlapping cycles are skipped.
func (a *Aggregator) Start() {
	cl := cronLogger{logger: a.logger}
	a.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	a.cron.Schedule(cron.Every(a.config.Interval), cron.FuncJob(func() {
		a.RunCycle(context.Background())
	}))
	a.cron.Start()
	a.logger.Info().Dur("interval", a.config.Interval).Msg("Aggregator started")
}

// Stop stops scheduling and waits for a running cycle or ctx
func (a *Aggregator) Stop(ctx context.Context) {
	if a.cron == nil {
		return
	}
	done := a.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn().Msg("Aggregator stop timed out waiting for running cycle")
	}
}

// RunCycle aggregates every tracked symbol once
func (a *Aggregator) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	var res CycleResult

	symbols := a.symbols.Symbols()
	for _, symbol := range symbols {
		switch a.processSymbol(ctx, symbol) {
		case outcomePublished:
			res.Published++
		case outcomeSkipped:
			res.Skipped++
		default:
			res.Failed++
		}
	}

	res.Duration = time.Since(start)
	a.metrics.ObserveCycle(res.Duration)
	a.logger.Debug().
		Int("symbols", len(symbols)).
		Int("published", res.Published).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("Aggregation cycle completed")
	return res
}

const (
	outcomePublished = "published"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

func (a *Aggregator) processSymbol(ctx context.Context, symbol string) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Str("symbol", symbol).Interface("panic", r).Msg("Aggregation panicked")
			outcome = outcomeFailed
		}
		a.metrics.RecordSymbolOutcome(outcome)
	}()

	agg, ok := a.Aggregate(ctx, symbol)
	if !ok {
		return outcomeSkipped
	}

	a.mu.Lock()
	a.latest[symbol] = agg
	a.mu.Unlock()

	outcome = outcomePublished
	if a.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, a.config.PublishTimeout)
		err := a.store.Store(storeCtx, agg)
		cancel()
		if err != nil {
			a.metrics.RecordBufferWrite("error")
			a.logger.Error().Err(err).Str("symbol", symbol).Str("signal_id", agg.SignalID).Msg("Buffer write failed")
			outcome = outcomeFailed
		} else {
			a.metrics.RecordBufferWrite("ok")
		}
	}
	if a.publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, a.config.PublishTimeout)
		err := a.publisher.Publish(pubCtx, agg)
		cancel()
		if err != nil {
			a.logger.Error().Err(err).Str("symbol", symbol).Str("signal_id", agg.SignalID).Msg("Publish failed")
			outcome = outcomeFailed
		}
	}
	return outcome
}

// Aggregate fans out to the sources and fuses their reads. It returns false when no source has
// data for symbol.
func (a *Aggregator) Aggregate(ctx context.Context, symbol string) (*MarketSignalAggregate, bool) {
	comps := a.collect(ctx, symbol)
	if comps.Present() == 0 {
		return nil, false
	}

	var vol *float64
	if a.volatility != nil {
		if v, ok := a.volatility.Volatility(symbol); ok {
			vol = &v
		}
	}

	f := Fuse(comps, a.config.Weights, vol)
	return &MarketSignalAggregate{
		SignalID:             a.newID(),
		Symbol:               symbol,
		OverallSignal:        f.Direction,
		SignalStrength:       f.Strength,
		Confidence:           f.Confidence,
		PriceSignal:          comps.Price,
		SentimentSignal:      comps.Sentiment,
		OnChainSignal:        comps.OnChain,
		FlowSignal:           comps.Flow,
		ComponentWeights:     a.config.Weights,
		Volatility:           vol,
		RiskLevel:            f.RiskLevel,
		RecommendedAction:    f.Action,
		PositionSizeModifier: f.PositionSizeModifier,
		Timestamp:            a.now().UTC(),
	}, true
}

// collect queries the sources concurrently. Errors and timeouts exclude that component.
func (a *Aggregator) collect(ctx context.Context, symbol string) Components {
	ctx, cancel := context.WithTimeout(ctx, a.config.SourceTimeout)
	defer cancel()

	var comps Components
	slots := []struct {
		source Source
		out    *Option[ComponentSignal]
	}{
		{a.sources.Price, &comps.Price},
		{a.sources.Sentiment, &comps.Sentiment},
		{a.sources.OnChain, &comps.OnChain},
		{a.sources.Flow, &comps.Flow},
	}

	var wg sync.WaitGroup
	for _, slot := range slots {
		if slot.source == nil {
			continue
		}
		wg.Add(1)
		go func(src Source, out *Option[ComponentSignal]) {
			defer wg.Done()
			*out = a.lookup(ctx, src, symbol)
		}(slot.source, slot.out)
	}
	wg.Wait()
	return comps
}

func (a *Aggregator) lookup(ctx context.Context, src Source, symbol string) Option[ComponentSignal] {
	type result struct {
		sig Option[ComponentSignal]
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("source panicked: %v", r)}
			}
		}()
		sig, err := src.Signal(ctx, symbol)
		ch <- result{sig: sig, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			a.metrics.RecordSource(src.Name(), "error")
			a.logger.Warn().Err(r.err).Str("symbol", symbol).Str("source", src.Name()).Msg("Component source failed")
			return None[ComponentSignal]()
		}
		if r.sig.IsSome() {
			a.metrics.RecordSource(src.Name(), "some")
		} else {
			a.metrics.RecordSource(src.Name(), "none")
		}
		return r.sig
	case <-ctx.Done():
		a.metrics.RecordSource(src.Name(), "timeout")
		a.logger.Warn().Str("symbol", symbol).Str("source", src.Name()).Msg("Component source timed out")
		return None[ComponentSignal]()
	}
}

// Latest returns the last aggregate built for symbol in this process
func (a *Aggregator) Latest(symbol string) (*MarketSignalAggregate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	agg, ok := a.latest[symbol]
	return agg, ok
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
