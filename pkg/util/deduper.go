package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

// AcquireOnce tries to acquire a dedup lock for a given handler + entity id.
// Returns true if this is the FIRST time processing, false if it's a duplicate.
func (d *Deduper) AcquireOnce(ctx context.Context, handler string, id int64) bool {
	key := fmt.Sprintf("dedup:%s:%d", handler, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		// Redis 挂了？为了安全：当 redis 不可用时，不阻止处理，返回 true
		return true
	}
	return ok
}

// Release drops the dedup lock so the entity can be processed again
// (used when an attempt failed and a later retry must not be swallowed).
func (d *Deduper) Release(ctx context.Context, handler string, id int64) {
	key := fmt.Sprintf("dedup:%s:%d", handler, id)
	_ = d.rdb.Del(ctx, key).Err()
}
