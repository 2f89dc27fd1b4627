package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSlidingWindow implements the same sliding-window policy on a Redis
// sorted set per key, so multiple server processes behind one address pool
// share a single view of each source's event rate. Chosen at startup when a
// Redis address is configured.
type RedisSlidingWindow struct {
	client    *redis.Client
	maxEvents int
	window    time.Duration
	prefix    string
	logger    zerolog.Logger
}

// NewRedisSlidingWindow connects to Redis and verifies it is reachable.
func NewRedisSlidingWindow(addr, password string, db, maxEvents int, window time.Duration, logger zerolog.Logger) (*RedisSlidingWindow, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisSlidingWindow{
		client:    client,
		maxEvents: maxEvents,
		window:    window,
		prefix:    "harbor:ratelimit:",
		logger:    logger,
	}, nil
}

// allowScript admits the event atomically: expired members are removed, the
// remaining count is compared against the limit, and only admitted events are
// recorded.
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local count = redis.call('ZCARD', key)
	if count >= limit then
		return 0
	end
	redis.call('ZADD', key, now, now .. ':' .. redis.call('INCR', key .. ':seq'))
	redis.call('PEXPIRE', key, window_ms)
	redis.call('PEXPIRE', key .. ':seq', window_ms)
	return 1
`)

// Allow reports whether an event for key is admitted. Redis errors fail open:
// an unreachable limiter must not take chat traffic down with it.
func (l *RedisSlidingWindow) Allow(ctx context.Context, key string) bool {
	now := time.Now()
	redisKey := l.prefix + key

	res, err := allowScript.Run(ctx, l.client, []string{redisKey},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.maxEvents,
		l.window.Milliseconds(),
	).Int()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing")
		return true
	}
	return res == 1
}

// Close releases the Redis connection.
func (l *RedisSlidingWindow) Close() error {
	return l.client.Close()
}
