package distributed_lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLock struct {
	mu        sync.Mutex
	held      map[string]bool
	refreshes int
	tryErr    error
}

func newMemLock() *memLock { return &memLock{held: make(map[string]bool)} }

func (l *memLock) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tryErr != nil {
		return false, l.tryErr
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLock) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func (l *memLock) Refresh(context.Context, string, time.Duration) error {
	l.mu.Lock()
	l.refreshes++
	l.mu.Unlock()
	return nil
}

func (l *memLock) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key], nil
}

func TestLockExecutor_ExecuteWithLock(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		preHeld bool
		tryErr  error
		fnErr   error
		wantRun bool
		wantErr bool
	}{
		{name: "获取锁后执行", wantRun: true},
		{name: "锁被占用时跳过", preHeld: true},
		{name: "获取锁出错", tryErr: errors.New("redis down"), wantErr: true},
		{name: "函数错误透传", fnErr: errors.New("boom"), wantRun: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lock := newMemLock()
			lock.tryErr = tt.tryErr
			if tt.preHeld {
				lock.held["job"] = true
			}
			ran := false
			err := NewLockExecutor(lock).ExecuteWithLock(ctx, "job", time.Minute, func() error {
				ran = true
				held, _ := lock.IsLocked(ctx, "job")
				assert.True(t, held)
				return tt.fnErr
			})
			assert.Equal(t, tt.wantRun, ran)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if !tt.preHeld {
				held, _ := lock.IsLocked(ctx, "job")
				assert.False(t, held, "执行结束后应释放锁")
			}
		})
	}
}

func TestLockExecutor_RefreshesWhileRunning(t *testing.T) {
	lock := newMemLock()
	err := NewLockExecutor(lock).ExecuteWithLockAndRefresh(context.Background(), "job", time.Minute, 10*time.Millisecond, func() error {
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	lock.mu.Lock()
	defer lock.mu.Unlock()
	assert.GreaterOrEqual(t, lock.refreshes, 2)
	assert.Empty(t, lock.held)
}

func TestRedisLock_KeyPrefix(t *testing.T) {
	l := NewRedisLock(nil)
	assert.Equal(t, "gateway:lock:log_cleanup", l.lockKey("log_cleanup"))
	assert.NotEmpty(t, l.instanceID)
}

func TestRedisLock_UnlockWithoutOwnership(t *testing.T) {
	l := NewRedisLock(nil)
	assert.ErrorIs(t, l.Unlock(context.Background(), "log_cleanup"), ErrLockNotHeld)
	assert.ErrorIs(t, l.Refresh(context.Background(), "log_cleanup", time.Minute), ErrLockNotHeld)
}

type lostLock struct {
	memLock
}

func (l *lostLock) Refresh(context.Context, string, time.Duration) error {
	l.mu.Lock()
	l.refreshes++
	l.mu.Unlock()
	return ErrLockNotHeld
}

func TestLockExecutor_StopsRefreshWhenLockLost(t *testing.T) {
	lock := &lostLock{memLock: memLock{held: make(map[string]bool)}}
	err := NewLockExecutor(lock).ExecuteWithLockAndRefresh(context.Background(), "job", time.Minute, 5*time.Millisecond, func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	lock.mu.Lock()
	defer lock.mu.Unlock()
	assert.Equal(t, 1, lock.refreshes)
}
