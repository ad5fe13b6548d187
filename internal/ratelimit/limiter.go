// Package ratelimit throttles visitor sends with counters kept in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Allower decides whether one more action under key fits the current window.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// INCR and EXPIRE run as one atomic step; the window starts on the first hit.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// FixedWindow allows limit actions per key per window.
type FixedWindow struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

func NewFixedWindow(rdb redis.Scripter, limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{rdb: rdb, limit: limit, window: window, prefix: "livechat:send:"}
}

func (f *FixedWindow) Allow(ctx context.Context, key string) (bool, error) {
	seconds := int(f.window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	result, err := fixedWindowScript.Run(ctx, f.rdb, []string{f.prefix + key}, f.limit, seconds).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return result == 1, nil
}

// Unlimited allows everything; used when Redis is not configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis client connection test failed: %w", err)
	}
	return client, nil
}
