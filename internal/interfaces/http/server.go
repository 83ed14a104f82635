package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/microsignal/internal/buffer"
	"github.com/sawpanic/microsignal/internal/engine"
	"github.com/sawpanic/microsignal/internal/metrics"
	"github.com/sawpanic/microsignal/internal/net/circuit"
	"github.com/sawpanic/microsignal/internal/net/ratelimit"
	"github.com/sawpanic/microsignal/internal/signals"
)

// SignalReader reads buffered aggregates
type SignalReader interface {
	Recent(ctx context.Context, q buffer.Query) ([]*signals.MarketSignalAggregate, error)
}

// LatestReader returns the last in-process aggregate for a symbol
type LatestReader interface {
	Latest(symbol string) (*signals.MarketSignalAggregate, bool)
}

// Deps are the read sides served by the API. Signals, Latest, Breakers and Metrics may be nil.
type Deps struct {
	Engine   *engine.Engine
	Signals  SignalReader
	Latest   LatestReader
	Breakers *circuit.Manager
	Metrics  *metrics.Registry
	Version  string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string        `yaml:"host" env:"HTTP_HOST"`
	Port           int           `yaml:"port" env:"HTTP_PORT"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1", // Local-only by default
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
		RateLimitRPS:   20,
		RateLimitBurst: 40,
	}
}

// Server is the read-only query API
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	limiter  *ratelimit.Limiter
	config   ServerConfig
	logger   zerolog.Logger
}

// NewServer wires routes and middleware. It does not bind the port until Start.
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	def := DefaultServerConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = def.RateLimitRPS
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = def.RateLimitBurst
	}

	logger = logger.With().Str("component", "http").Logger()
	limiter := ratelimit.NewLimiter(config.RateLimitRPS, config.RateLimitBurst)
	s := &Server{
		router:   mux.NewRouter(),
		handlers: NewHandlers(deps, limiter, logger),
		limiter:  limiter,
		config:   config,
		logger:   logger,
	}
	s.setupRoutes(deps.Metrics)

	s.server = &http.Server{
		Addr:         s.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(m *metrics.Registry) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware(m))
	s.router.Use(s.limiter.Middleware(ratelimit.ClientKey))
	s.router.Use(s.timeoutMiddleware)

	// Prometheus sets its own content type
	s.router.Handle("/metrics", s.handlers.Metrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)
	api.HandleFunc("/symbols", s.handlers.Symbols).Methods(http.MethodGet)

	sym := api.PathPrefix("/symbols/{symbol}").Subrouter()
	sym.HandleFunc("/orderflow", s.handlers.OrderFlow).Methods(http.MethodGet)
	sym.HandleFunc("/orderflow/rolling", s.handlers.RollingOFI).Methods(http.MethodGet)
	sym.HandleFunc("/orderflow/toxic", s.handlers.ToxicFlow).Methods(http.MethodGet)
	sym.HandleFunc("/bidask", s.handlers.BidAsk).Methods(http.MethodGet)
	sym.HandleFunc("/bidask/analyze", s.handlers.AnalyzeSpread).Methods(http.MethodGet)
	sym.HandleFunc("/bidask/widening", s.handlers.SpreadWidening).Methods(http.MethodGet)
	sym.HandleFunc("/bidask/roll", s.handlers.RollMeasure).Methods(http.MethodGet)
	sym.HandleFunc("/depth", s.handlers.Depth).Methods(http.MethodGet)
	sym.HandleFunc("/depth/cliffs", s.handlers.DepthCliffs).Methods(http.MethodGet)
	sym.HandleFunc("/depth/impact", s.handlers.MarketImpact).Methods(http.MethodGet)
	sym.HandleFunc("/vpin", s.handlers.VPIN).Methods(http.MethodGet)
	sym.HandleFunc("/vpin/adverse", s.handlers.AdverseSelection).Methods(http.MethodGet)
	sym.HandleFunc("/signal", s.handlers.Signal).Methods(http.MethodGet)

	api.HandleFunc("/signals", s.handlers.Signals).Methods(http.MethodGet)
	api.HandleFunc("/signals/latest/{symbol}", s.handlers.LatestSignal).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handlers.MethodNotAllowed)
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the configured address and serves until Shutdown
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.Address())
	if err != nil {
		return fmt.Errorf("port %d is busy or unavailable: %w", s.config.Port, err)
	}
	s.logger.Info().Str("addr", s.Address()).Msg("Starting HTTP server (read-only)")

	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Address returns the server address
func (s *Server) Address() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
}
