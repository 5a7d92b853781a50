package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/delay-tracker/internal/domain"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

// delayRecordTTL keeps cached feed records well inside one tick so a stale
// record can never mask a worsening delay across cycles.
const delayRecordTTL = 2 * time.Minute

type Cache struct {
	Client *redis.Client
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Cache) Close() error { return c.Client.Close() }

// GetDelayRecord returns a recently fetched feed record for a RID, if any.
func (c *Cache) GetDelayRecord(ctx context.Context, rid string) (*domain.ServiceDelay, error) {
	val, err := c.Client.Get(ctx, "delay:rid:"+rid).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	var rec domain.ServiceDelay
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Cache) SetDelayRecord(ctx context.Context, rec domain.ServiceDelay) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, "delay:rid:"+rec.RID, raw, delayRecordTTL).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := "ratelimit:" + ip
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}
