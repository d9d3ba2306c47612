package eventbus

import (
	"context"
	"sync"
)

// Tracker 在途异步处理函数计数器，零值可用。
// 与 sync.WaitGroup 不同，计数归零前后都允许并发 Add 与 Wait，
// 适合持续有新消息发布时的排空等待。
type Tracker struct {
	mu    sync.Mutex
	count int64
	idle  chan struct{}
}

// Add 增减在途数量
func (t *Tracker) Add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
	if t.count < 0 {
		t.count = 0
	}
	if t.count == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

// Done 在途数量减一
func (t *Tracker) Done() {
	t.Add(-1)
}

// Pending 当前在途数量
func (t *Tracker) Pending() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait 等待在途数量归零；归零后新增的任务不再等待。ctx 到期返回 ctx.Err()
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
