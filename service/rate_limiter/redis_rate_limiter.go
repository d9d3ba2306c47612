/*
 * @module service/rate_limiter/redis_rate_limiter
 * @description 基于Redis的接入限流，按数据源维度对 HTTP 接入请求计数，多实例共享同一窗口
 * @architecture 工具层 - 提供分布式限流能力
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 构造窗口Key -> Lua脚本原子计数 -> 判断是否超限
 * @rules 固定窗口计数，首次写入时设置过期；Redis 不可用时由调用方决定放行策略
 * @dependencies github.com/go-redis/redis/v8
 * @refs service/adapters/http.go, service/init.go
 */

package rate_limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimitResult 限流检查结果
type RateLimitResult struct {
	Allowed   bool   `json:"allowed"`   // 是否允许请求
	Limit     int    `json:"limit"`     // 限制数量
	Remaining int    `json:"remaining"` // 剩余数量
	ResetAt   int64  `json:"reset_at"`  // 重置时间（Unix时间戳）
	Key       string `json:"key"`
}

// RateLimitRule 限流规则
type RateLimitRule struct {
	Key         string // 限流对象，通常为数据源ID
	TimeWindow  int    // 时间窗口（秒）
	MaxRequests int    // 最大请求数
}

// 原子计数：超限时不再递增
var limitScript = redis.NewScript(`
	local key = KEYS[1]
	local max_requests = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	if current >= max_requests then
		local ttl = redis.call('TTL', key)
		if ttl == -1 then
			ttl = window
		end
		return {0, current, max_requests, ttl}
	end

	local new_count = redis.call('INCR', key)
	if new_count == 1 then
		redis.call('EXPIRE', key, window)
	end

	local ttl = redis.call('TTL', key)
	if ttl == -1 then
		ttl = window
	end

	return {1, new_count, max_requests, ttl}
`)

// RedisRateLimiter Redis限流器
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisRateLimiter 基于已有客户端创建限流器
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: "gateway:rate_limit", now: time.Now}
}

// Allow 判断 key 在当前窗口内是否还有配额
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, maxRequests int, window time.Duration) (bool, error) {
	seconds := int(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	result, err := r.CheckRateLimit(ctx, RateLimitRule{Key: key, TimeWindow: seconds, MaxRequests: maxRequests})
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}

// CheckRateLimit 检查单条规则
func (r *RedisRateLimiter) CheckRateLimit(ctx context.Context, rule RateLimitRule) (*RateLimitResult, error) {
	if rule.MaxRequests <= 0 {
		return &RateLimitResult{Allowed: true, Limit: -1, Remaining: -1, Key: rule.Key}, nil
	}

	key := r.buildRateLimitKey(rule.Key, rule.TimeWindow)
	result, err := limitScript.Run(ctx, r.client, []string{key}, rule.MaxRequests, rule.TimeWindow).Result()
	if err != nil {
		return nil, fmt.Errorf("限流检查失败: %w", err)
	}

	results, ok := result.([]interface{})
	if !ok || len(results) != 4 {
		return nil, fmt.Errorf("限流脚本返回格式错误: %v", result)
	}
	allowed := results[0].(int64) == 1
	currentCount := int(results[1].(int64))
	maxRequests := int(results[2].(int64))
	ttl := int(results[3].(int64))

	remaining := maxRequests - currentCount
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     maxRequests,
		Remaining: remaining,
		ResetAt:   r.now().Add(time.Duration(ttl) * time.Second).Unix(),
		Key:       rule.Key,
	}, nil
}

// buildRateLimitKey 构造限流Key，窗口序号随时间推进
func (r *RedisRateLimiter) buildRateLimitKey(key string, window int) string {
	if window < 1 {
		window = 1
	}
	currentWindow := r.now().Unix() / int64(window)
	return fmt.Sprintf("%s:%s:%d", r.prefix, key, currentWindow)
}

// GetStats 获取限流统计信息
func (r *RedisRateLimiter) GetStats(ctx context.Context, rule RateLimitRule) (map[string]interface{}, error) {
	key := r.buildRateLimitKey(rule.Key, rule.TimeWindow)

	current, err := r.client.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	remaining := rule.MaxRequests - current
	if remaining < 0 {
		remaining = 0
	}

	return map[string]interface{}{
		"key":         rule.Key,
		"current":     current,
		"limit":       rule.MaxRequests,
		"remaining":   remaining,
		"window":      rule.TimeWindow,
		"ttl_seconds": int(ttl.Seconds()),
	}, nil
}

// ResetRateLimit 重置当前窗口计数
func (r *RedisRateLimiter) ResetRateLimit(ctx context.Context, rule RateLimitRule) error {
	return r.client.Del(ctx, r.buildRateLimitKey(rule.Key, rule.TimeWindow)).Err()
}
