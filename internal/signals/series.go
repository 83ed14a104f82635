package signals

import (
	"context"
	"sort"
	"sync"

	"github.com/sawpanic/microsignal/internal/microstructure"
)

// Source produces one component signal per symbol. None means not enough data and is not an error.
type Source interface {
	Name() string
	Signal(ctx context.Context, symbol string) (Option[ComponentSignal], error)
}

// series keeps a bounded window of T per symbol with a lock per symbol
type series[T any] struct {
	mu       sync.RWMutex
	entries  map[string]*seriesEntry[T]
	capacity int
}

type seriesEntry[T any] struct {
	mu     sync.Mutex
	window *microstructure.Window[T]
}

func newSeries[T any](capacity int) *series[T] {
	return &series[T]{entries: make(map[string]*seriesEntry[T]), capacity: capacity}
}

func (s *series[T]) entry(symbol string) *seriesEntry[T] {
	s.mu.RLock()
	e, ok := s.entries[symbol]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[symbol]; ok {
		return e
	}
	e = &seriesEntry[T]{window: microstructure.NewWindow[T](s.capacity)}
	s.entries[symbol] = e
	return e
}

func (s *series[T]) push(symbol string, v T) {
	e := s.entry(symbol)
	e.mu.Lock()
	e.window.Push(v)
	e.mu.Unlock()
}

func (s *series[T]) snapshot(symbol string) []T {
	s.mu.RLock()
	e, ok := s.entries[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Snapshot()
}

func (s *series[T]) symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func directionFor(score, threshold float64) Direction {
	switch {
	case score > threshold:
		return Bullish
	case score < -threshold:
		return Bearish
	default:
		return Neutral
	}
}
