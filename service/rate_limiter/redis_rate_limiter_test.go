/*
 * @module service/rate_limiter/redis_rate_limiter_test
 * @description Redis限流器测试，需要本地Redis，不可用时跳过
 * @architecture 测试层
 * @documentReference dev_docs/gateway_design.md
 */

package rate_limiter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis 连接测试用Redis，连接失败时跳过
func setupTestRedis(t testing.TB) *RedisRateLimiter {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		Password:    os.Getenv("REDIS_PASSWORD"),
		DialTimeout: time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis不可用，跳过: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	limiter := NewRedisRateLimiter(client)
	limiter.prefix = "gateway:test:" + uuid.New().String()
	return limiter
}

func TestBuildRateLimitKey(t *testing.T) {
	limiter := NewRedisRateLimiter(nil)
	limiter.now = func() time.Time { return time.Unix(1000, 0) }

	assert.Equal(t, "gateway:rate_limit:ds-1:16", limiter.buildRateLimitKey("ds-1", 60))
	assert.Equal(t, "gateway:rate_limit:ds-1:1000", limiter.buildRateLimitKey("ds-1", 0))

	limiter.now = func() time.Time { return time.Unix(1020, 0) }
	assert.Equal(t, "gateway:rate_limit:ds-1:17", limiter.buildRateLimitKey("ds-1", 60), "跨窗口后序号递增")
}

func TestCheckRateLimit_Unlimited(t *testing.T) {
	limiter := NewRedisRateLimiter(nil)
	result, err := limiter.CheckRateLimit(context.Background(), RateLimitRule{Key: "ds-1", TimeWindow: 60})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, -1, result.Limit)
}

func TestAllow_RejectsAfterLimit(t *testing.T) {
	limiter := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "ds-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "第%d次请求应放行", i+1)
	}
	ok, err := limiter.Allow(ctx, "ds-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// 不同数据源互不影响
	ok, err = limiter.Allow(ctx, "ds-2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetStatsAndReset(t *testing.T) {
	limiter := setupTestRedis(t)
	ctx := context.Background()
	rule := RateLimitRule{Key: "ds-1", TimeWindow: 60, MaxRequests: 5}

	for i := 0; i < 2; i++ {
		_, err := limiter.CheckRateLimit(ctx, rule)
		require.NoError(t, err)
	}
	stats, err := limiter.GetStats(ctx, rule)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["current"])
	assert.Equal(t, 3, stats["remaining"])

	require.NoError(t, limiter.ResetRateLimit(ctx, rule))
	result, err := limiter.CheckRateLimit(ctx, rule)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Remaining)
}

func TestConcurrentRateLimitCheck(t *testing.T) {
	limiter := setupTestRedis(t)
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.Allow(ctx, "burst", 20, time.Minute)
			if err == nil && ok {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), allowed)
}

func BenchmarkAllow(b *testing.B) {
	limiter := setupTestRedis(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = limiter.Allow(ctx, "bench", b.N+1, time.Minute)
	}
}
