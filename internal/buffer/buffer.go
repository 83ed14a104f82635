package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/microsignal/internal/signals"
)

// Config bounds the signal buffer
type Config struct {
	Key        string        `yaml:"key"`
	MaxEntries int64         `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// DefaultConfig keeps the newest 1000 aggregates for 24h
func DefaultConfig() Config {
	return Config{Key: "microsignal:signals", MaxEntries: 1000, TTL: 24 * time.Hour}
}

// Query filters a read of recent aggregates. Zero values mean no filter.
type Query struct {
	Symbol     string
	Limit      int
	SinceHours float64
}

// SignalBuffer stores serialized aggregates scored by timestamp in unix milliseconds
type SignalBuffer struct {
	store  SortedSet
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a buffer over store
func New(store SortedSet, config Config, logger zerolog.Logger) *SignalBuffer {
	def := DefaultConfig()
	if config.Key == "" {
		config.Key = def.Key
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = def.MaxEntries
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	return &SignalBuffer{
		store:  store,
		config: config,
		logger: logger.With().Str("component", "buffer").Logger(),
		now:    time.Now,
	}
}

// Store adds agg, trims to MaxEntries and refreshes the TTL. The same aggregate stored twice
// serializes identically and occupies one member.
func (b *SignalBuffer) Store(ctx context.Context, agg *signals.MarketSignalAggregate) error {
	payload, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshal aggregate %s: %w", agg.SignalID, err)
	}
	m := Member{Score: float64(agg.Timestamp.UnixMilli()), Value: string(payload)}
	if err := b.store.AddTrimExpire(ctx, b.config.Key, m, b.config.MaxEntries, b.config.TTL); err != nil {
		return err
	}
	b.logger.Debug().Str("symbol", agg.Symbol).Str("signal_id", agg.SignalID).Msg("Aggregate buffered")
	return nil
}

// Recent returns aggregates most-recent-first, filtered by q. Entries that fail to decode are
// skipped; duplicate signal ids are returned once.
func (b *SignalBuffer) Recent(ctx context.Context, q Query) ([]*signals.MarketSignalAggregate, error) {
	var (
		raw []string
		err error
	)
	// Without a symbol filter the store can apply the limit directly
	var count int64
	if q.Symbol == "" && q.Limit > 0 {
		count = int64(q.Limit)
	}

	if q.SinceHours > 0 {
		cutoff := b.now().Add(-time.Duration(q.SinceHours * float64(time.Hour)))
		raw, err = b.store.RevRangeByScore(ctx, b.config.Key, float64(cutoff.UnixMilli()), math.Inf(1), count)
	} else {
		stop := int64(-1)
		if count > 0 {
			stop = count - 1
		}
		raw, err = b.store.RevRange(ctx, b.config.Key, 0, stop)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*signals.MarketSignalAggregate, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, entry := range raw {
		var agg signals.MarketSignalAggregate
		if err := json.Unmarshal([]byte(entry), &agg); err != nil {
			b.logger.Warn().Err(err).Msg("Skipping undecodable buffer entry")
			continue
		}
		if q.Symbol != "" && agg.Symbol != q.Symbol {
			continue
		}
		if _, dup := seen[agg.SignalID]; dup {
			continue
		}
		seen[agg.SignalID] = struct{}{}
		out = append(out, &agg)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of buffered entries
func (b *SignalBuffer) Len(ctx context.Context) (int64, error) {
	return b.store.Card(ctx, b.config.Key)
}
