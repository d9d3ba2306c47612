package distributed_lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LockExecutor 在锁保护下执行任务；锁被其他实例持有时跳过且不视为错误
type LockExecutor struct {
	lock DistributedLock
}

// NewLockExecutor 创建带锁执行器
func NewLockExecutor(lock DistributedLock) *LockExecutor {
	return &LockExecutor{lock: lock}
}

// ExecuteWithLock 在锁保护下执行 fn
func (e *LockExecutor) ExecuteWithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	return e.execute(ctx, key, ttl, 0, fn)
}

// ExecuteWithLockAndRefresh 执行期间按 refreshInterval 续期，适用于耗时可能超过 ttl 的任务
func (e *LockExecutor) ExecuteWithLockAndRefresh(ctx context.Context, key string, ttl, refreshInterval time.Duration, fn func() error) error {
	return e.execute(ctx, key, ttl, refreshInterval, fn)
}

func (e *LockExecutor) execute(ctx context.Context, key string, ttl, refreshInterval time.Duration, fn func() error) error {
	locked, err := e.lock.TryLock(ctx, key, ttl)
	if err != nil {
		return fmt.Errorf("获取锁失败: %w", err)
	}
	if !locked {
		slog.Debug("锁已被其他实例持有，跳过执行", "key", key)
		return nil
	}
	defer func() {
		// 任务上下文可能已取消，释放锁使用独立上下文
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.lock.Unlock(unlockCtx, key); err != nil && !errors.Is(err, ErrLockNotHeld) {
			slog.Error("释放分布式锁失败", "key", key, "error", err)
		}
	}()

	if refreshInterval > 0 {
		stop := make(chan struct{})
		done := make(chan struct{})
		go e.keepAlive(ctx, key, ttl, refreshInterval, stop, done)
		defer func() {
			close(stop)
			<-done
		}()
	}
	return fn()
}

func (e *LockExecutor) keepAlive(ctx context.Context, key string, ttl, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := e.lock.Refresh(ctx, key, ttl)
			if errors.Is(err, ErrLockNotHeld) {
				slog.Warn("分布式锁已丢失，停止续期", "key", key)
				return
			}
			if err != nil {
				slog.Error("分布式锁续期失败", "key", key, "error", err)
			}
		}
	}
}
