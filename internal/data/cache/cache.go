package cache

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache is a byte-oriented TTL cache. A miss is never an error; callers fall through to
// direct computation.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

type memory struct {
	mu  sync.Mutex
	m   map[string]entry
	now func() time.Time
}

type entry struct {
	b   []byte
	exp time.Time
}

// New returns an in-process cache
func New() Cache { return newMemory() }

func newMemory() *memory { return &memory{m: make(map[string]entry), now: time.Now} }

func (c *memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && c.now().After(e.exp) {
		delete(c.m, key)
		return nil, false
	}
	return append([]byte(nil), e.b...), true
}

func (c *memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = c.now().Add(ttl)
	}
	c.m[key] = e
}

// Optional Redis adapter when an address is configured
type redisCache struct {
	r       *redis.Client
	prefix  string
	timeout time.Duration
}

func newRedisCache(client *redis.Client, prefix string) *redisCache {
	return &redisCache{r: client, prefix: prefix, timeout: 500 * time.Millisecond}
}

// NewAuto returns a Redis-backed cache when addr is set and answers a ping, the in-process
// cache otherwise. The returned func releases the Redis client.
func NewAuto(ctx context.Context, addr, prefix string, logger zerolog.Logger) (Cache, func() error) {
	noop := func() error { return nil }
	if addr == "" {
		return New(), noop
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Warn().Err(err).Str("addr", addr).Msg("Cache Redis unreachable, using in-process cache")
		return New(), noop
	}
	logger.Info().Str("addr", addr).Msg("Query cache on Redis")
	return newRedisCache(client, prefix), client.Close
}

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.r.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_ = r.r.Set(ctx, r.prefix+key, val, ttl).Err()
}
