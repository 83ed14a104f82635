package http

import (
	"time"

	"github.com/sawpanic/microsignal/internal/microstructure"
	"github.com/sawpanic/microsignal/internal/net/circuit"
	"github.com/sawpanic/microsignal/internal/net/ratelimit"
	"github.com/sawpanic/microsignal/internal/signals"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse reports process and dependency health
type HealthResponse struct {
	Status         string                   `json:"status"` // healthy, degraded
	Timestamp      time.Time                `json:"timestamp"`
	Version        string                   `json:"version"`
	Uptime         string                   `json:"uptime"`
	TrackedSymbols int                      `json:"tracked_symbols"`
	Circuits       map[string]circuit.Stats `json:"circuits"`
	Unhealthy      []string                 `json:"unhealthy,omitempty"`
	RateLimit      *ratelimit.Summary       `json:"rate_limit,omitempty"`
}

// SymbolsResponse lists tracked symbols
type SymbolsResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
	Symbols   []string  `json:"symbols"`
}

// RollingOFIResponse carries the rolling order flow imbalance series
type RollingOFIResponse struct {
	Symbol string    `json:"symbol"`
	Window int       `json:"window"`
	Values []float64 `json:"values"`
}

// DepthCliffsResponse carries liquidity cliffs on one side of the book
type DepthCliffsResponse struct {
	Symbol       string                      `json:"symbol"`
	Side         string                      `json:"side"`
	ThresholdPct float64                     `json:"threshold_pct"`
	Cliffs       []microstructure.DepthCliff `json:"cliffs"`
}

// SignalsResponse carries buffered aggregates, most recent first
type SignalsResponse struct {
	Timestamp time.Time                        `json:"timestamp"`
	Count     int                              `json:"count"`
	Signals   []*signals.MarketSignalAggregate `json:"signals"`
}
