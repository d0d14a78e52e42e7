// Package tallycache is a Redis cache-aside layer for idea tallies.
//
// Keys embed the box version, which the engine bumps on every delegation or
// ballot change, and the directory version, which moves with every user or
// membership change. Entries never need explicit invalidation; they age out by TTL.
package tallycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aula-app/aula-engine/internal/engine"
	"github.com/aula-app/aula-engine/internal/obs"
)

// DefaultTTL bounds how long a superseded version lingers in Redis.
const DefaultTTL = 5 * time.Minute

var _ engine.TallyCache = (*Cache)(nil)

// Cache implements engine.TallyCache. A Cache with a nil client is a no-op.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to redisURL. An empty URL or an unreachable server yields a
// disabled cache; the engine then computes every tally directly.
func New(redisURL string, ttl time.Duration) *Cache {
	log := obs.Logger()
	if redisURL == "" {
		log.Info().Msg("redis: no URL configured, tally cache disabled")
		return &Cache{}
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis: invalid URL, tally cache disabled")
		return &Cache{}
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis: connection failed, tally cache disabled")
		_ = rdb.Close()
		return &Cache{}
	}
	log.Info().Msg("redis: connected, tally cache enabled")
	return NewWithClient(rdb, ttl)
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// Enabled reports whether a Redis client is attached.
func (c *Cache) Enabled() bool { return c != nil && c.rdb != nil }

func key(k engine.TallyKey) string {
	return fmt.Sprintf("aula:tally:%s:%d:%d:%s", k.BoxID, k.Version, k.Directory, k.IdeaID)
}

// Get implements engine.TallyCache. Redis failures count as misses.
func (c *Cache) Get(ctx context.Context, k engine.TallyKey) (engine.Tally, bool) {
	if !c.Enabled() {
		return engine.Tally{}, false
	}
	data, err := c.rdb.Get(ctx, key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		obs.TallyCache.WithLabelValues("miss").Inc()
		return engine.Tally{}, false
	}
	if err != nil {
		obs.TallyCache.WithLabelValues("error").Inc()
		obs.Logger().Warn().Err(err).Str("box_id", k.BoxID).Msg("tally cache read failed")
		return engine.Tally{}, false
	}
	var t engine.Tally
	if err := json.Unmarshal(data, &t); err != nil {
		obs.TallyCache.WithLabelValues("error").Inc()
		return engine.Tally{}, false
	}
	obs.TallyCache.WithLabelValues("hit").Inc()
	return t, true
}

// Put implements engine.TallyCache.
func (c *Cache) Put(ctx context.Context, k engine.TallyKey, t engine.Tally) {
	if !c.Enabled() {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key(k), data, c.ttl).Err(); err != nil {
		obs.TallyCache.WithLabelValues("error").Inc()
		obs.Logger().Warn().Err(err).Str("box_id", k.BoxID).Msg("tally cache write failed")
	}
}

// Ping checks the connection; a disabled cache is always healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}
