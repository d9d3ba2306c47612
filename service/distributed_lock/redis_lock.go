/*
 * @module service/distributed_lock/redis_lock
 * @description 基于Redis的互斥锁，多实例部署时保证日志清理等周期任务同一时刻只在一个实例执行
 * @architecture 工具层 - 提供分布式锁能力
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow SET NX PX 加锁 -> 持有者校验后续期 -> 持有者校验后删除/自动过期
 * @rules 每次加锁生成独立持有者令牌，同进程内的并发任务也不会互相释放
 * @dependencies github.com/go-redis/redis/v8, github.com/google/uuid
 * @refs service/distributed_lock/lock_executor.go, service/cleanup/log_cleanup_service.go
 */

package distributed_lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockNotHeld 锁已过期或被其他持有者占用
var ErrLockNotHeld = errors.New("锁未被当前持有者持有")

// DistributedLock 分布式锁接口
type DistributedLock interface {
	// TryLock 非阻塞加锁，锁已被占用时返回 false
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	// Refresh 续期，锁已丢失时返回 ErrLockNotHeld
	Refresh(ctx context.Context, key string, ttl time.Duration) error
	IsLocked(ctx context.Context, key string) (bool, error)
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLock Redis分布式锁
type RedisLock struct {
	client     *redis.Client
	prefix     string
	instanceID string
	owners     sync.Map // key -> 本实例持有该锁时写入的令牌
}

// NewRedisLock 基于已有客户端创建分布式锁
func NewRedisLock(client *redis.Client) *RedisLock {
	hostname, _ := os.Hostname()
	return &RedisLock{
		client:     client,
		prefix:     "gateway:lock:",
		instanceID: fmt.Sprintf("%s:%d", hostname, os.Getpid()),
	}
}

func (r *RedisLock) lockKey(key string) string {
	return r.prefix + key
}

func (r *RedisLock) owner(key string) (string, bool) {
	v, ok := r.owners.Load(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// TryLock 非阻塞加锁
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := r.instanceID + ":" + uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.lockKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取锁失败: %w", err)
	}
	if !ok {
		return false, nil
	}
	r.owners.Store(key, token)
	slog.Debug("已获取分布式锁", "key", key, "ttl", ttl, "instance", r.instanceID)
	return true, nil
}

// Unlock 只删除自己持有的锁
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	token, ok := r.owner(key)
	if !ok {
		return ErrLockNotHeld
	}
	r.owners.Delete(key)

	n, err := releaseScript.Run(ctx, r.client, []string{r.lockKey(key)}, token).Int64()
	if err != nil {
		return fmt.Errorf("释放锁失败: %w", err)
	}
	if n == 0 {
		slog.Warn("释放锁时锁已过期或被其他实例持有", "key", key, "instance", r.instanceID)
		return ErrLockNotHeld
	}
	return nil
}

// Refresh 续期，使用毫秒精度
func (r *RedisLock) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	token, ok := r.owner(key)
	if !ok {
		return ErrLockNotHeld
	}
	n, err := extendScript.Run(ctx, r.client, []string{r.lockKey(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("续期锁失败: %w", err)
	}
	if n == 0 {
		r.owners.Delete(key)
		return ErrLockNotHeld
	}
	return nil
}

// IsLocked 锁是否被任意实例持有
func (r *RedisLock) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.lockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("检查锁状态失败: %w", err)
	}
	return n > 0, nil
}
