package quote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const cacheKeyPrefix = "stockbot:quote:"

// Cache is a read-through Redis cache in front of another Provider. Redis
// failures are logged and bypassed; only the upstream provider's errors reach
// the caller.
type Cache struct {
	rdb  redis.UniversalClient
	next Provider
	ttl  time.Duration
	log  zerolog.Logger
}

func NewCache(rdb redis.UniversalClient, next Provider, ttl time.Duration, log zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{rdb: rdb, next: next, ttl: ttl, log: log}
}

func (c *Cache) Quote(ctx context.Context, code string) (Quote, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return Quote{}, err
	}
	key := cacheKeyPrefix + code

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var q Quote
		if jerr := json.Unmarshal(raw, &q); jerr == nil {
			return q, nil
		}
		c.log.Warn().Str("key", key).Msg("dropping undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("key", key).Msg("quote cache read failed")
	}

	q, err := c.next.Quote(ctx, code)
	if err != nil {
		return Quote{}, err
	}
	if b, err := json.Marshal(q); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("quote cache write failed")
		}
	}
	return q, nil
}
