package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/microsignal/internal/buffer"
	"github.com/sawpanic/microsignal/internal/microstructure"
	"github.com/sawpanic/microsignal/internal/net/ratelimit"
)

// Handlers serves the analyzer read sides
type Handlers struct {
	deps    Deps
	limiter *ratelimit.Limiter
	started time.Time
	logger  zerolog.Logger
}

// NewHandlers creates a new handlers instance. limiter may be nil.
func NewHandlers(deps Deps, limiter *ratelimit.Limiter, logger zerolog.Logger) *Handlers {
	return &Handlers{deps: deps, limiter: limiter, started: time.Now(), logger: logger}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// MethodNotAllowed handles 405 responses
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		"The API is read-only")
}

// Metrics serves the Prometheus registry, or 404 when metrics are disabled
func (h *Handlers) Metrics() http.Handler {
	if h.deps.Metrics == nil {
		return http.HandlerFunc(h.NotFound)
	}
	return h.deps.Metrics.Handler()
}

// Symbols handles GET /symbols
func (h *Handlers) Symbols(w http.ResponseWriter, r *http.Request) {
	symbols := h.deps.Engine.Symbols()
	h.writeJSON(w, http.StatusOK, SymbolsResponse{
		Timestamp: time.Now().UTC(),
		Count:     len(symbols),
		Symbols:   symbols,
	})
}

// symbol resolves the {symbol} path variable to a tracked symbol, writing 404 otherwise
func (h *Handlers) symbol(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol := mux.Vars(r)["symbol"]
	if !h.deps.Engine.Tracked(symbol) {
		h.writeError(w, r, http.StatusNotFound, "symbol_not_found",
			fmt.Sprintf("Symbol %s is not tracked", symbol))
		return "", false
	}
	return symbol, true
}

func (h *Handlers) noData(w http.ResponseWriter, r *http.Request, symbol, what string) {
	h.writeError(w, r, http.StatusNotFound, "no_data",
		fmt.Sprintf("Not enough %s data for %s", what, symbol))
}

func (h *Handlers) badParam(w http.ResponseWriter, r *http.Request, name string, err error) {
	h.writeError(w, r, http.StatusBadRequest, "invalid_parameter",
		fmt.Sprintf("Invalid %s: %v", name, err))
}

// OrderFlow handles GET /symbols/{symbol}/orderflow?lookback=5m
func (h *Handlers) OrderFlow(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	var lookback time.Duration
	if raw := r.URL.Query().Get("lookback"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			h.badParam(w, r, "lookback", fmt.Errorf("%q is not a positive duration", raw))
			return
		}
		lookback = d
	}
	m, ok := h.deps.Engine.OrderFlow().Metrics(symbol, lookback)
	if !ok {
		h.noData(w, r, symbol, "trade")
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// RollingOFI handles GET /symbols/{symbol}/orderflow/rolling?window=20
func (h *Handlers) RollingOFI(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	window, err := intParam(r, "window", h.deps.Engine.Config().Microstructure.RollingOFIWindow)
	if err == nil && window <= 0 {
		err = fmt.Errorf("must be positive")
	}
	if err != nil {
		h.badParam(w, r, "window", err)
		return
	}
	values := h.deps.Engine.OrderFlow().RollingOFI(symbol, window)
	if values == nil {
		h.noData(w, r, symbol, "trade")
		return
	}
	h.writeJSON(w, http.StatusOK, RollingOFIResponse{Symbol: symbol, Window: window, Values: values})
}

// ToxicFlow handles GET /symbols/{symbol}/orderflow/toxic?threshold=0.3
func (h *Handlers) ToxicFlow(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	threshold, err := floatParam(r, "threshold", 0)
	if err == nil && threshold < 0 {
		err = fmt.Errorf("must not be negative")
	}
	if err != nil {
		h.badParam(w, r, "threshold", err)
		return
	}
	res, ok := h.deps.Engine.OrderFlow().ToxicFlow(symbol, threshold)
	if !ok {
		h.noData(w, r, symbol, "trade")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// BidAsk handles GET /symbols/{symbol}/bidask
func (h *Handlers) BidAsk(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	m, ok := h.deps.Engine.BidAsk().Metrics(symbol)
	if !ok {
		h.noData(w, r, symbol, "quote")
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// SpreadWidening handles GET /symbols/{symbol}/bidask/widening?std_devs=2
func (h *Handlers) SpreadWidening(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	stdDevs, err := floatParam(r, "std_devs", 0)
	if err != nil {
		h.badParam(w, r, "std_devs", err)
		return
	}
	res, ok := h.deps.Engine.BidAsk().DetectSpreadWidening(symbol, stdDevs)
	if !ok {
		h.noData(w, r, symbol, "quote")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// AnalyzeSpread handles GET /symbols/{symbol}/bidask/analyze?price=100.05&side=buy
func (h *Handlers) AnalyzeSpread(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	side, err := sideParam(r, microstructure.Buy)
	if err != nil {
		h.badParam(w, r, "side", err)
		return
	}
	price, err := floatParam(r, "price", 0)
	if err != nil || price <= 0 {
		h.badParam(w, r, "price", fmt.Errorf("must be a positive number"))
		return
	}
	if _, ok := h.deps.Engine.BidAsk().LatestQuote(symbol); !ok {
		h.noData(w, r, symbol, "quote")
		return
	}
	res, err := h.deps.Engine.BidAsk().AnalyzeSpread(symbol, price, side)
	if err != nil {
		h.badParam(w, r, "price", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// RollMeasure handles GET /symbols/{symbol}/bidask/roll
func (h *Handlers) RollMeasure(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	res, ok := h.deps.Engine.BidAsk().RollMeasure(symbol)
	if !ok {
		h.noData(w, r, symbol, "quote")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Depth handles GET /symbols/{symbol}/depth
func (h *Handlers) Depth(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	m, ok := h.deps.Engine.Depth().Metrics(symbol)
	if !ok {
		h.noData(w, r, symbol, "order book")
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// DepthCliffs handles GET /symbols/{symbol}/depth/cliffs?side=bid&threshold=50
func (h *Handlers) DepthCliffs(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	side, err := sideParam(r, microstructure.Buy)
	if err != nil {
		h.badParam(w, r, "side", err)
		return
	}
	threshold, err := floatParam(r, "threshold", 0)
	if err != nil {
		h.badParam(w, r, "threshold", err)
		return
	}
	if threshold <= 0 {
		threshold = h.deps.Engine.Config().Microstructure.CliffThresholdPct
	}
	if _, ok := h.deps.Engine.Depth().Book(symbol); !ok {
		h.noData(w, r, symbol, "order book")
		return
	}
	cliffs, err := h.deps.Engine.Depth().DepthCliff(symbol, side, threshold)
	if err != nil {
		h.badParam(w, r, "side", err)
		return
	}
	if cliffs == nil {
		cliffs = []microstructure.DepthCliff{}
	}
	h.writeJSON(w, http.StatusOK, DepthCliffsResponse{
		Symbol:       symbol,
		Side:         bookSide(side),
		ThresholdPct: threshold,
		Cliffs:       cliffs,
	})
}

// MarketImpact handles GET /symbols/{symbol}/depth/impact?notional=10000&side=buy
func (h *Handlers) MarketImpact(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	side, err := sideParam(r, microstructure.Buy)
	if err != nil {
		h.badParam(w, r, "side", err)
		return
	}
	notional, err := floatParam(r, "notional", h.deps.Engine.Config().Microstructure.ImpactReferenceUSD)
	if err != nil || notional <= 0 {
		h.badParam(w, r, "notional", fmt.Errorf("must be a positive number"))
		return
	}
	if _, ok := h.deps.Engine.Depth().Book(symbol); !ok {
		h.noData(w, r, symbol, "order book")
		return
	}
	impact, err := h.deps.Engine.Depth().MarketImpact(symbol, notional, side)
	if err != nil {
		h.badParam(w, r, "notional", err)
		return
	}
	h.writeJSON(w, http.StatusOK, impact)
}

// VPIN handles GET /symbols/{symbol}/vpin
func (h *Handlers) VPIN(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	m, ok := h.deps.Engine.VPIN().Calculate(symbol)
	if !ok {
		h.noData(w, r, symbol, "volume bucket")
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// AdverseSelection handles GET /symbols/{symbol}/vpin/adverse?spread_bps=5. Without spread_bps
// the current quoted spread is used.
func (h *Handlers) AdverseSelection(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	spreadBps, err := floatParam(r, "spread_bps", -1)
	if err == nil && r.URL.Query().Get("spread_bps") != "" && spreadBps < 0 {
		err = fmt.Errorf("must not be negative")
	}
	if err != nil {
		h.badParam(w, r, "spread_bps", err)
		return
	}
	if spreadBps < 0 {
		q, ok := h.deps.Engine.BidAsk().LatestQuote(symbol)
		if !ok {
			h.noData(w, r, symbol, "quote")
			return
		}
		spreadBps = q.SpreadBps()
	}
	res, ok := h.deps.Engine.VPIN().AdverseSelectionCost(symbol, spreadBps)
	if !ok {
		h.noData(w, r, symbol, "volume bucket")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Signal handles GET /symbols/{symbol}/signal
func (h *Handlers) Signal(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	sig, ok := h.deps.Engine.Signal(r.Context(), symbol)
	if !ok {
		h.noData(w, r, symbol, "market")
		return
	}
	h.writeJSON(w, http.StatusOK, sig)
}

// Signals handles GET /signals?symbol=&limit=&since_hours=
func (h *Handlers) Signals(w http.ResponseWriter, r *http.Request) {
	if h.deps.Signals == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "buffer_unavailable",
			"The signal buffer is not configured")
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err == nil && limit < 0 {
		err = fmt.Errorf("must not be negative")
	}
	if err != nil {
		h.badParam(w, r, "limit", err)
		return
	}
	since, err := floatParam(r, "since_hours", 0)
	if err == nil && since < 0 {
		err = fmt.Errorf("must not be negative")
	}
	if err != nil {
		h.badParam(w, r, "since_hours", err)
		return
	}
	q := buffer.Query{
		Symbol:     r.URL.Query().Get("symbol"),
		Limit:      limit,
		SinceHours: since,
	}

	aggs, err := h.deps.Signals.Recent(r.Context(), q)
	if err != nil {
		h.logger.Error().Err(err).Msg("Signal buffer read failed")
		h.writeError(w, r, http.StatusServiceUnavailable, "buffer_unavailable", "Failed to read signal buffer")
		return
	}
	h.writeJSON(w, http.StatusOK, SignalsResponse{
		Timestamp: time.Now().UTC(),
		Count:     len(aggs),
		Signals:   aggs,
	})
}

// LatestSignal handles GET /signals/latest/{symbol}
func (h *Handlers) LatestSignal(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if h.deps.Latest == nil {
		h.noData(w, r, symbol, "aggregate")
		return
	}
	agg, ok := h.deps.Latest.Latest(symbol)
	if !ok {
		h.noData(w, r, symbol, "aggregate")
		return
	}
	h.writeJSON(w, http.StatusOK, agg)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func floatParam(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// sideParam accepts buy/sell and the book-side aliases bid/ask
func sideParam(r *http.Request, def microstructure.Classification) (microstructure.Classification, error) {
	switch strings.ToLower(r.URL.Query().Get("side")) {
	case "":
		return def, nil
	case "buy", "bid":
		return microstructure.Buy, nil
	case "sell", "ask":
		return microstructure.Sell, nil
	default:
		return "", fmt.Errorf("side must be bid, ask, buy or sell")
	}
}

func bookSide(side microstructure.Classification) string {
	if side == microstructure.Sell {
		return "ask"
	}
	return "bid"
}
