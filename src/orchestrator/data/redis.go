package data

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	noncePrefix = "nonce:"
	scorePrefix = "rep:score:"
)

func MustRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return redis.NewClient(opt)
}

func SetNonce(ctx context.Context, rdb *redis.Client, did, nonce string) error {
	return rdb.Set(ctx, noncePrefix+did, nonce, 5*time.Minute).Err()
}

func GetAndDelNonce(ctx context.Context, rdb *redis.Client, did string) (string, error) {
	return rdb.GetDel(ctx, noncePrefix+did).Result()
}

// ScoreCache is the advisory reputation score cache. A miss only costs a
// recompute; the cache is never required for correctness.
type ScoreCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewScoreCache(rdb *redis.Client, ttl time.Duration) *ScoreCache {
	return &ScoreCache{rdb: rdb, ttl: ttl}
}

func (c *ScoreCache) Get(ctx context.Context, did string) (float64, bool) {
	if c == nil || c.rdb == nil {
		return 0, false
	}
	v, err := c.rdb.Get(ctx, scorePrefix+did).Result()
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (c *ScoreCache) Set(ctx context.Context, did string, score float64) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, scorePrefix+did, strconv.FormatFloat(score, 'f', -1, 64), c.ttl).Err(); err != nil {
		log.Printf("score cache set %s: %v", did, err)
	}
}

func (c *ScoreCache) Invalidate(ctx context.Context, did string) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Del(ctx, scorePrefix+did).Err()
}
