package signals

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// SentimentReading is one provider's score for a symbol
type SentimentReading struct {
	Source    string    `json:"source"`
	Score     float64   `json:"score"`  // -1 bearish to 1 bullish
	Volume    float64   `json:"volume"` // Mentions or posts behind the score
	Timestamp time.Time `json:"timestamp"`
}

// SentimentSource keeps the latest reading per provider and blends them by volume
type SentimentSource struct {
	maxAge    time.Duration
	threshold float64
	now       func() time.Time

	mu       sync.RWMutex
	bySymbol map[string]map[string]SentimentReading
}

// NewSentimentSource creates a sentiment source ignoring readings older than maxAge
func NewSentimentSource(maxAge time.Duration, threshold float64) *SentimentSource {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if threshold <= 0 {
		threshold = 0.1
	}
	return &SentimentSource{
		maxAge:    maxAge,
		threshold: threshold,
		now:       time.Now,
		bySymbol:  make(map[string]map[string]SentimentReading),
	}
}

// Name implements Source
func (s *SentimentSource) Name() string { return "sentiment" }

// Record stores r as the latest reading from r.Source. Older readings from the same provider
// are ignored.
func (s *SentimentSource) Record(symbol string, r SentimentReading) error {
	if r.Source == "" {
		return fmt.Errorf("sentiment reading missing source")
	}
	if math.IsNaN(r.Score) || r.Score < -1 || r.Score > 1 {
		return fmt.Errorf("sentiment score out of range: %v", r.Score)
	}
	if math.IsNaN(r.Volume) || math.IsInf(r.Volume, 0) || r.Volume < 0 {
		return fmt.Errorf("invalid sentiment volume: %v", r.Volume)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	readings, ok := s.bySymbol[symbol]
	if !ok {
		readings = make(map[string]SentimentReading)
		s.bySymbol[symbol] = readings
	}
	if prev, ok := readings[r.Source]; ok && r.Timestamp.Before(prev.Timestamp) {
		return nil
	}
	readings[r.Source] = r
	return nil
}

// Signal implements Source. Readings with zero volume count with weight 1.
func (s *SentimentSource) Signal(_ context.Context, symbol string) (Option[ComponentSignal], error) {
	cutoff := s.now().Add(-s.maxAge)

	s.mu.RLock()
	var weighted, total float64
	for _, r := range s.bySymbol[symbol] {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		w := r.Volume
		if w <= 0 {
			w = 1
		}
		weighted += r.Score * w
		total += w
	}
	s.mu.RUnlock()

	if total == 0 {
		return None[ComponentSignal](), nil
	}
	score := weighted / total
	return Some(ComponentSignal{
		Direction: directionFor(score, s.threshold),
		Strength:  clampUnit(math.Abs(score)),
	}), nil
}
