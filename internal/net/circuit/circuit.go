package circuit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrRequestTimeout is returned when a request times out
	ErrRequestTimeout = errors.New("request timeout")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // requests allowed
	StateOpen                  // requests blocked
	StateHalfOpen              // limited probe requests allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON stats
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config represents circuit breaker configuration
type Config struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // consecutive failures that trip the breaker
	MinRequests      uint32        `yaml:"min_requests"`      // requests in an interval before the ratio applies
	FailureRatio     float64       `yaml:"failure_ratio"`     // trips above this failure ratio
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
	Interval         time.Duration `yaml:"interval"` // closed-state count reset period
	Timeout          time.Duration `yaml:"timeout"`  // open duration before probing
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// DefaultConfig trips on 3 consecutive failures or >5% failures over at least 20 requests
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		MinRequests:      20,
		FailureRatio:     0.05,
		HalfOpenRequests: 1,
		Interval:         60 * time.Second,
		Timeout:          60 * time.Second,
		RequestTimeout:   5 * time.Second,
	}
}

// Breaker guards calls to one downstream dependency
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	config Config
}

// NewBreaker creates a named breaker. State transitions are logged on logger.
func NewBreaker(name string, config Config, logger zerolog.Logger) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.MinRequests == 0 {
		config.MinRequests = def.MinRequests
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = def.FailureRatio
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = def.HalfOpenRequests
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.HalfOpenRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
	}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= config.FailureThreshold {
			return true
		}
		if counts.Requests < config.MinRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > config.FailureRatio
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(st), config: config}
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.cb.Name() }

// Call executes fn if the breaker allows it, bounded by the request timeout
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		timeoutCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- fn(timeoutCtx)
		}()

		select {
		case err := <-done:
			return nil, err
		case <-timeoutCtx.Done():
			return nil, ErrRequestTimeout
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.Name(), ErrCircuitOpen)
	}
	return err
}

// State returns the current circuit breaker state
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Stats returns counts for the current interval
func (b *Breaker) Stats() Stats {
	counts := b.cb.Counts()
	successRate := 0.0
	if counts.Requests > 0 {
		successRate = float64(counts.TotalSuccesses) / float64(counts.Requests)
	}
	return Stats{
		State:                b.State(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		SuccessRate:          successRate,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State                State   `json:"state"`
	Requests             uint32  `json:"requests"`
	TotalSuccesses       uint32  `json:"total_successes"`
	TotalFailures        uint32  `json:"total_failures"`
	ConsecutiveFailures  uint32  `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32  `json:"consecutive_successes"`
	SuccessRate          float64 `json:"success_rate"`
}

// IsHealthy returns true if the breaker is closed with a good success rate
func (s Stats) IsHealthy() bool {
	return s.State == StateClosed && (s.Requests == 0 || s.SuccessRate >= 0.9)
}

// Manager holds one breaker per downstream
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	logger   zerolog.Logger
}

// NewManager creates a manager whose breakers share config
func NewManager(config Config, logger zerolog.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
}

// Breaker returns the breaker for name, creating it on first use
func (m *Manager) Breaker(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, m.config, m.logger)
	m.breakers[name] = b
	return b
}

// Call executes fn through the breaker for name
func (m *Manager) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return m.Breaker(name).Call(ctx, fn)
}

// Stats returns statistics for all breakers
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		stats[name] = b.Stats()
	}
	return stats
}

// IsHealthy returns true if all breakers are healthy
func (m *Manager) IsHealthy() bool {
	for _, s := range m.Stats() {
		if !s.IsHealthy() {
			return false
		}
	}
	return true
}

// Unhealthy lists breakers that are not healthy, sorted by name
func (m *Manager) Unhealthy() []string {
	var out []string
	for name, s := range m.Stats() {
		if !s.IsHealthy() {
			out = append(out, fmt.Sprintf("%s (state: %s, success: %.1f%%)", name, s.State, s.SuccessRate*100))
		}
	}
	sort.Strings(out)
	return out
}
