package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is the advisory read cache for ranked leaderboards. Every failure
// is swallowed: the standings tables are authoritative and a missing or
// stale entry only means the caller recomputes. A nil client disables the
// cache entirely (reads miss, writes no-op), which keeps tests and
// cache-less deployments on the same code path.
type Cache struct {
	rdb *redis.Client
	log *zap.Logger
}

// Meta records when a cached leaderboard was refreshed and how many rows it
// holds. Stored next to the entry under the ":meta" suffix.
type Meta struct {
	RefreshedAt time.Time `json:"refreshed_at"`
	RowCount    int       `json:"row_count"`
}

func New(rdb *redis.Client, log *zap.Logger) *Cache {
	return &Cache{rdb: rdb, log: log}
}

// LeaderboardKey builds the cache key for a ranked leaderboard:
// "scope:identifier:top<N>", e.g. "tournament:weekly-2026-w36:top50".
func LeaderboardKey(scope, identifier string, n int) string {
	return fmt.Sprintf("%s:%s:top%d", scope, identifier, n)
}

// SetLeaderboard stores the ranked entries plus refresh metadata.
func (c *Cache) SetLeaderboard(ctx context.Context, key string, entries interface{}, rowCount int, ttl time.Duration) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(entries)
	if err != nil {
		c.log.Warn("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	meta, _ := json.Marshal(Meta{RefreshedAt: time.Now().UTC(), RowCount: rowCount})
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, key, data, ttl)
	pipe.Set(ctx, key+":meta", meta, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// GetLeaderboard loads a cached leaderboard into dest. A false return means
// a miss (absent key, unreachable redis, or decode failure) and never an
// error condition.
func (c *Cache) GetLeaderboard(ctx context.Context, key string, dest interface{}) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.log.Warn("cache decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Invalidate drops a cached leaderboard and its metadata.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key, key+":meta").Err(); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}
