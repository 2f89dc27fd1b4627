package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisAvailable skips the test when no local Redis is reachable.
func redisAvailable(t *testing.T) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
}

func TestRedisSlidingWindowAllow(t *testing.T) {
	redisAvailable(t)

	l, err := NewRedisSlidingWindow("localhost:6379", "", 0, 5, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	defer l.client.Del(ctx, l.prefix+key, l.prefix+key+":seq")

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(ctx, key), "call %d should be allowed", i+1)
	}
	assert.False(t, l.Allow(ctx, key), "6th call must be denied")
}

func TestRedisSlidingWindowIndependentKeys(t *testing.T) {
	redisAvailable(t)

	l, err := NewRedisSlidingWindow("localhost:6379", "", 0, 1, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	keyA := fmt.Sprintf("test-a-%d", time.Now().UnixNano())
	keyB := fmt.Sprintf("test-b-%d", time.Now().UnixNano())
	defer l.client.Del(ctx,
		l.prefix+keyA, l.prefix+keyA+":seq",
		l.prefix+keyB, l.prefix+keyB+":seq")

	require.True(t, l.Allow(ctx, keyA))
	require.False(t, l.Allow(ctx, keyA))
	assert.True(t, l.Allow(ctx, keyB))
}

func TestRedisSlidingWindowConnectFailure(t *testing.T) {
	_, err := NewRedisSlidingWindow("localhost:1", "", 0, 5, time.Minute, zerolog.Nop())
	assert.Error(t, err, "unreachable Redis must fail construction")
}
