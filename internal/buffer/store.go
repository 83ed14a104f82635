package buffer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Member is one scored entry of a sorted set
type Member struct {
	Score float64
	Value string
}

// SortedSet is the bounded ordered store behind the signal buffer
type SortedSet interface {
	// AddTrimExpire adds m, trims the set to the newest maxLen members by score and refreshes
	// the key's TTL, as one atomic sequence.
	AddTrimExpire(ctx context.Context, key string, m Member, maxLen int64, ttl time.Duration) error
	// RevRange returns members by descending score, ranks start..stop inclusive (-1 is the last).
	RevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// RevRangeByScore returns members with score in [min, max] by descending score. count <= 0
	// means no limit.
	RevRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]string, error)
	// Card returns the number of members
	Card(ctx context.Context, key string) (int64, error)
}

// RedisStore is a SortedSet over a Redis ZSET
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis connects to addr and verifies the connection
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStore(rdb), nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// AddTrimExpire implements SortedSet with ZADD, ZREMRANGEBYRANK and EXPIRE in MULTI/EXEC
func (s *RedisStore) AddTrimExpire(ctx context.Context, key string, m Member, maxLen int64, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, &redis.Z{Score: m.Score, Member: m.Value})
		p.ZRemRangeByRank(ctx, key, 0, -(maxLen + 1))
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis add-trim-expire %s: %w", key, err)
	}
	return nil
}

// RevRange implements SortedSet
func (s *RedisStore) RevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange %s: %w", key, err)
	}
	return vals, nil
}

// RevRangeByScore implements SortedSet
func (s *RedisStore) RevRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]string, error) {
	opt := &redis.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}
	if count > 0 {
		opt.Count = count
	}
	vals, err := s.client.ZRevRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrangebyscore %s: %w", key, err)
	}
	return vals, nil
}

// Card implements SortedSet
func (s *RedisStore) Card(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard %s: %w", key, err)
	}
	return n, nil
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

// MemoryStore is an in-process SortedSet for tests and single-node runs without Redis
type MemoryStore struct {
	mu   sync.Mutex
	sets map[string]*memorySet
	now  func() time.Time
}

type memorySet struct {
	members map[string]float64
	expires time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]*memorySet), now: time.Now}
}

// AddTrimExpire implements SortedSet
func (s *MemoryStore) AddTrimExpire(_ context.Context, key string, m Member, maxLen int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.live(key)
	if set == nil {
		set = &memorySet{members: make(map[string]float64)}
		s.sets[key] = set
	}
	set.members[m.Value] = m.Score

	if maxLen >= 0 && int64(len(set.members)) > maxLen {
		ordered := set.sorted()
		for _, old := range ordered[maxLen:] {
			delete(set.members, old.Value)
		}
	}
	set.expires = s.now().Add(ttl)
	return nil
}

// RevRange implements SortedSet
func (s *MemoryStore) RevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.live(key)
	if set == nil {
		return []string{}, nil
	}
	ordered := set.sorted()
	n := int64(len(ordered))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	out := []string{}
	for i := start; i <= stop; i++ {
		out = append(out, ordered[i].Value)
	}
	return out, nil
}

// RevRangeByScore implements SortedSet
func (s *MemoryStore) RevRangeByScore(_ context.Context, key string, min, max float64, count int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []string{}
	set := s.live(key)
	if set == nil {
		return out, nil
	}
	for _, m := range set.sorted() {
		if m.Score < min || m.Score > max {
			continue
		}
		out = append(out, m.Value)
		if count > 0 && int64(len(out)) == count {
			break
		}
	}
	return out, nil
}

// Card implements SortedSet
func (s *MemoryStore) Card(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.live(key)
	if set == nil {
		return 0, nil
	}
	return int64(len(set.members)), nil
}

// live returns the set for key, dropping it if expired. Callers hold mu.
func (s *MemoryStore) live(key string) *memorySet {
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	if !set.expires.IsZero() && !s.now().Before(set.expires) {
		delete(s.sets, key)
		return nil
	}
	return set
}

// sorted orders members by descending score, ties by descending value like ZREVRANGE
func (m *memorySet) sorted() []Member {
	out := make([]Member, 0, len(m.members))
	for v, score := range m.members {
		out = append(out, Member{Score: score, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Value > out[j].Value
	})
	return out
}
