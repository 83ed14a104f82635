package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/microsignal/internal/buffer"
	"github.com/sawpanic/microsignal/internal/engine"
	"github.com/sawpanic/microsignal/internal/metrics"
	"github.com/sawpanic/microsignal/internal/microstructure"
	"github.com/sawpanic/microsignal/internal/net/circuit"
	"github.com/sawpanic/microsignal/internal/signals"
)

var t0 = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

type latestMap map[string]*signals.MarketSignalAggregate

func (l latestMap) Latest(symbol string) (*signals.MarketSignalAggregate, bool) {
	agg, ok := l[symbol]
	return agg, ok
}

type fixture struct {
	server  *Server
	engine  *engine.Engine
	buffer  *buffer.SignalBuffer
	metrics *metrics.Registry
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	reg := metrics.NewRegistry()
	e, err := engine.New(engine.DefaultConfig(), nil, reg, zerolog.Nop())
	require.NoError(t, err)
	buf := buffer.New(buffer.NewMemoryStore(), buffer.DefaultConfig(), zerolog.Nop())

	now := time.Now().UTC()
	latest := latestMap{"BTC-USD": {SignalID: "latest-1", Symbol: "BTC-USD", Timestamp: now}}
	for i, sym := range []string{"BTC-USD", "ETH-USD", "BTC-USD"} {
		require.NoError(t, buf.Store(context.Background(), &signals.MarketSignalAggregate{
			SignalID:  "sig-" + string(rune('a'+i)),
			Symbol:    sym,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}

	srv := NewServer(cfg, Deps{
		Engine:   e,
		Signals:  buf,
		Latest:   latest,
		Breakers: circuit.NewManager(circuit.DefaultConfig(), zerolog.Nop()),
		Metrics:  reg,
		Version:  "test",
	}, zerolog.Nop())
	return &fixture{server: srv, engine: e, buffer: buf, metrics: reg}
}

func (f *fixture) seed(t *testing.T, symbol string) {
	t.Helper()
	for i := 0; i < 6; i++ {
		ts := t0.Add(time.Duration(i) * time.Second)
		spread := 0.02
		if i == 5 {
			spread = 0.2
		}
		require.NoError(t, f.engine.IngestQuote(symbol, microstructure.Quote{
			Timestamp: ts, Bid: 100 - spread/2, Ask: 100 + spread/2, BidSize: 5, AskSize: 5,
		}))
	}
	for i := 0; i < 30; i++ {
		_, err := f.engine.IngestTrade(symbol, microstructure.Trade{
			Timestamp: t0.Add(10*time.Second + time.Duration(i)*time.Second),
			Price:     100.1,
			Volume:    1,
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.engine.IngestBook(symbol,
		[]microstructure.PriceLevel{{Price: 99.9, Quantity: 100}, {Price: 99.8, Quantity: 10}, {Price: 99.7, Quantity: 9}},
		[]microstructure.PriceLevel{{Price: 100.1, Quantity: 50}, {Price: 100.2, Quantity: 60}},
		t0.Add(time.Minute)))
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())
	f.seed(t, "BTC-USD")

	rec := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 1, resp.TrackedSymbols)
	require.NotNil(t, resp.RateLimit)
	assert.Equal(t, 20.0, resp.RateLimit.RPS)
	assert.Equal(t, 40, resp.RateLimit.Burst)
	assert.Equal(t, 1, resp.RateLimit.Keys)
	assert.Empty(t, resp.RateLimit.Throttled)
	assert.Empty(t, resp.Unhealthy)
}

func TestHealth_DegradedWithOpenBreaker(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())
	for i := 0; i < 3; i++ {
		_ = f.server.handlers.deps.Breakers.Call(context.Background(), "kafka", func(ctx context.Context) error {
			return assert.AnError
		})
	}

	rec := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Unhealthy, 1)
	assert.True(t, strings.HasPrefix(resp.Unhealthy[0], "kafka"))
}

func TestSymbolEndpoints(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())
	f.seed(t, "BTC-USD")

	for _, path := range []string{
		"/symbols/BTC-USD/orderflow",
		"/symbols/BTC-USD/orderflow?lookback=5s",
		"/symbols/BTC-USD/orderflow/rolling?window=10",
		"/symbols/BTC-USD/orderflow/toxic",
		"/symbols/BTC-USD/bidask/analyze?price=100.05",
		"/symbols/BTC-USD/bidask",
		"/symbols/BTC-USD/bidask/widening",
		"/symbols/BTC-USD/bidask/roll",
		"/symbols/BTC-USD/depth",
		"/symbols/BTC-USD/depth/cliffs?side=bid&threshold=50",
		"/symbols/BTC-USD/depth/impact?notional=1000&side=buy",
		"/symbols/BTC-USD/signal",
	} {
		rec := f.get(t, path)
		assert.Equal(t, http.StatusOK, rec.Code, "%s: %s", path, rec.Body.String())
	}

	symbols := decode[SymbolsResponse](t, f.get(t, "/symbols"))
	assert.Equal(t, []string{"BTC-USD"}, symbols.Symbols)

	rolling := decode[RollingOFIResponse](t, f.get(t, "/symbols/BTC-USD/orderflow/rolling?window=10"))
	assert.Equal(t, 10, rolling.Window)
	assert.Len(t, rolling.Values, 21)

	cliffs := decode[DepthCliffsResponse](t, f.get(t, "/symbols/BTC-USD/depth/cliffs?side=bid&threshold=50"))
	assert.Equal(t, "bid", cliffs.Side)
	require.Len(t, cliffs.Cliffs, 1)
	assert.Equal(t, 1, cliffs.Cliffs[0].Level)

	widening := decode[microstructure.SpreadWidening](t, f.get(t, "/symbols/BTC-USD/bidask/widening"))
	assert.True(t, widening.IsWidening)

	sig := decode[microstructure.MicrostructureSignal](t, f.get(t, "/symbols/BTC-USD/signal"))
	assert.Equal(t, "BTC-USD", sig.Symbol)
}

func TestSymbolEndpoints_NotFoundAndBadParams(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())

	rec := f.get(t, "/symbols/DOGE-USD/orderflow")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "symbol_not_found", decode[ErrorResponse](t, rec).Code)

	// Tracked through quotes only: no trades, no book, no buckets
	require.NoError(t, f.engine.IngestQuote("ETH-USD", microstructure.Quote{Timestamp: t0, Bid: 1999, Ask: 2001}))
	for _, path := range []string{
		"/symbols/ETH-USD/orderflow",
		"/symbols/ETH-USD/depth",
		"/symbols/ETH-USD/depth/cliffs",
		"/symbols/ETH-USD/depth/impact",
		"/symbols/ETH-USD/vpin",
		"/symbols/ETH-USD/bidask/roll",
		"/symbols/ETH-USD/orderflow/toxic",
		"/symbols/ETH-USD/vpin/adverse",
	} {
		rec := f.get(t, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "no_data", decode[ErrorResponse](t, rec).Code, path)
	}

	for _, path := range []string{
		"/symbols/ETH-USD/orderflow?lookback=soon",
		"/symbols/ETH-USD/orderflow/rolling?window=0",
		"/symbols/ETH-USD/depth/cliffs?side=up",
		"/symbols/ETH-USD/depth/impact?notional=-5",
		"/symbols/ETH-USD/orderflow/toxic?threshold=-1",
		"/symbols/ETH-USD/bidask/analyze",
		"/symbols/ETH-USD/bidask/analyze?price=100&side=up",
		"/symbols/ETH-USD/vpin/adverse?spread_bps=-2",
		"/signals?limit=x",
		"/signals?since_hours=-1",
	} {
		rec := f.get(t, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "invalid_parameter", decode[ErrorResponse](t, rec).Code, path)
	}

	rec = f.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "endpoint_not_found", decode[ErrorResponse](t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/health", strings.NewReader("{}"))
	post := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(post, req)
	assert.Equal(t, http.StatusMethodNotAllowed, post.Code)
}

func TestSymbolEndpoints_CaseExact(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())
	f.seed(t, "btcusdt")
	require.NoError(t, f.buffer.Store(context.Background(), &signals.MarketSignalAggregate{
		SignalID: "sig-lower", Symbol: "btcusdt", Timestamp: time.Now().UTC(),
	}))

	symbols := decode[SymbolsResponse](t, f.get(t, "/symbols"))
	assert.Equal(t, []string{"btcusdt"}, symbols.Symbols)

	for _, path := range []string{
		"/symbols/btcusdt/orderflow",
		"/symbols/btcusdt/bidask",
		"/symbols/btcusdt/depth",
		"/symbols/btcusdt/signal",
	} {
		rec := f.get(t, path)
		assert.Equal(t, http.StatusOK, rec.Code, "%s: %s", path, rec.Body.String())
	}
	assert.Equal(t, http.StatusNotFound, f.get(t, "/symbols/BTCUSDT/orderflow").Code)

	found := decode[SignalsResponse](t, f.get(t, "/signals?symbol=btcusdt"))
	require.Equal(t, 1, found.Count)
	assert.Equal(t, "sig-lower", found.Signals[0].SignalID)
}

func TestDerivedAnalyticsEndpoints(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())
	f.seed(t, "BTC-USD")

	toxic := decode[microstructure.ToxicFlowResult](t, f.get(t, "/symbols/BTC-USD/orderflow/toxic?threshold=0.5"))
	assert.Equal(t, 0.5, toxic.Threshold)
	assert.InDelta(t, 1.0, toxic.OFI, 1e-9)
	// Uniform trade sizes never look toxic
	assert.False(t, toxic.IsToxic)

	analysis := decode[microstructure.SpreadAnalysis](t, f.get(t, "/symbols/BTC-USD/bidask/analyze?price=100.05&side=bid"))
	assert.Equal(t, microstructure.Buy, analysis.Side)
	assert.InDelta(t, 100.0, analysis.Mid, 1e-9)
	assert.InDelta(t, 0.1, analysis.EffectiveSpread, 1e-9)
	assert.InDelta(t, 0.05, analysis.PriceImprovement, 1e-9)

	// 30 units do not close a single 50-unit bucket yet
	rec := f.get(t, "/symbols/BTC-USD/vpin/adverse")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_data", decode[ErrorResponse](t, rec).Code)

	cfg := f.engine.Config().Microstructure
	for i := 0; i < cfg.VPINNumBuckets; i++ {
		_, err := f.engine.IngestTrade("BTC-USD", microstructure.Trade{
			Timestamp: t0.Add(time.Hour + time.Duration(i)*time.Second),
			Price:     100.1,
			Volume:    cfg.VPINBucketSize,
		})
		require.NoError(t, err)
	}

	explicit := decode[microstructure.AdverseSelection](t, f.get(t, "/symbols/BTC-USD/vpin/adverse?spread_bps=10"))
	assert.InDelta(t, 1.0, explicit.VPIN, 1e-9)
	assert.InDelta(t, 10.0, explicit.AdverseSelectionBps, 1e-9)
	assert.InDelta(t, 0.0, explicit.OrderProcessingBps, 1e-9)

	// Defaults to the current quoted spread: 0.2 on a mid of 100
	quoted := decode[microstructure.AdverseSelection](t, f.get(t, "/symbols/BTC-USD/vpin/adverse"))
	assert.InDelta(t, 20.0, quoted.SpreadBps, 1e-6)
}

func TestSignalsEndpoints(t *testing.T) {
	f := newFixture(t, DefaultServerConfig())

	all := decode[SignalsResponse](t, f.get(t, "/signals"))
	require.Equal(t, 3, all.Count)
	assert.Equal(t, "sig-c", all.Signals[0].SignalID)

	btc := decode[SignalsResponse](t, f.get(t, "/signals?symbol=BTC-USD&limit=1"))
	require.Equal(t, 1, btc.Count)
	assert.Equal(t, "sig-c", btc.Signals[0].SignalID)

	latest := f.get(t, "/signals/latest/BTC-USD")
	require.Equal(t, http.StatusOK, latest.Code)
	assert.Equal(t, "latest-1", decode[signals.MarketSignalAggregate](t, latest).SignalID)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/signals/latest/ETH-USD").Code)

	// Symbols match exactly as ingested
	empty := decode[SignalsResponse](t, f.get(t, "/signals?symbol=btc-usd"))
	assert.Equal(t, 0, empty.Count)
}

func TestMetricsEndpointAndRateLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 2
	f := newFixture(t, cfg)

	assert.Equal(t, http.StatusOK, f.get(t, "/health").Code)
	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "microsignal_http_request_duration_seconds")

	limited := f.get(t, "/health")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
}

func TestAddress(t *testing.T) {
	s := NewServer(ServerConfig{Host: "127.0.0.1", Port: 9090}, Deps{}, zerolog.Nop())
	assert.Equal(t, "127.0.0.1:9090", s.Address())
}
