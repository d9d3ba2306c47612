/*
 * @module service/monitoring/monitor_service
 * @description 运行时监控：最近一段时间窗口内的消息速率与错误率，以及进程指标
 * @architecture 环形秒级桶 - 订阅处理结果事件累加计数
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow MESSAGE_COMPLETED/MESSAGE_FAILED -> 当前秒桶 -> Rates() 汇总窗口
 * @rules 窗口默认 60 秒；错误率 = 失败数 / 完成总数
 * @dependencies sync, runtime
 * @refs service/gateway
 */

package monitoring

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"
	"gateway-service/service/pipeline"
)

// DefaultWindow 速率统计窗口
const DefaultWindow = 60 * time.Second

type bucket struct {
	second    int64
	completed int64
	failed    int64
}

// MonitorService 运行时监控服务
type MonitorService struct {
	window  time.Duration
	now     func() time.Time
	mu      sync.Mutex
	buckets []bucket

	subscriptions []eventbus.SubscriptionID
}

// SystemMetrics 进程指标
type SystemMetrics struct {
	Timestamp      time.Time `json:"timestamp"`
	GoroutineCount int       `json:"goroutine_count"`
	HeapAlloc      uint64    `json:"heap_alloc"`
	HeapSys        uint64    `json:"heap_sys"`
	NumGC          uint32    `json:"num_gc"`
}

// RuntimeMetrics 速率快照
type RuntimeMetrics struct {
	WindowSeconds     float64 `json:"window_seconds"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	ErrorRate         float64 `json:"error_rate"`
}

// NewMonitorService 创建监控服务，window<=0 时使用 60 秒
func NewMonitorService(window time.Duration) *MonitorService {
	if window < time.Second {
		window = DefaultWindow
	}
	return &MonitorService{
		window:  window,
		now:     time.Now,
		buckets: make([]bucket, int(window/time.Second)),
	}
}

// Start 订阅处理结果事件
func (m *MonitorService) Start(bus *eventbus.EventBus) error {
	for _, topic := range []string{eventbus.TopicMessageDone, eventbus.TopicMessageFailed} {
		id, err := bus.Subscribe(topic, m.onResult)
		if err != nil {
			return fmt.Errorf("订阅 %s 失败: %w", topic, err)
		}
		m.subscriptions = append(m.subscriptions, id)
	}
	return nil
}

// Stop 取消订阅
func (m *MonitorService) Stop(bus *eventbus.EventBus) {
	for _, id := range m.subscriptions {
		bus.Unsubscribe(id)
	}
	m.subscriptions = nil
}

func (m *MonitorService) onResult(_ string, payload interface{}) {
	res, ok := payload.(*pipeline.Result)
	if !ok {
		return
	}
	m.Record(res.Status != models.LogStatusFailed)
}

// Record 记录一条终态消息
func (m *MonitorService) Record(success bool) {
	sec := m.now().Unix()
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &m.buckets[int(sec%int64(len(m.buckets)))]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	b.completed++
	if !success {
		b.failed++
	}
}

// Snapshot 当前窗口统计
func (m *MonitorService) Snapshot() RuntimeMetrics {
	now := m.now().Unix()
	oldest := now - int64(len(m.buckets)) + 1

	var completed, failed int64
	m.mu.Lock()
	for _, b := range m.buckets {
		if b.second >= oldest && b.second <= now {
			completed += b.completed
			failed += b.failed
		}
	}
	m.mu.Unlock()

	out := RuntimeMetrics{
		WindowSeconds: m.window.Seconds(),
		Completed:     completed,
		Failed:        failed,
	}
	out.MessagesPerSecond = float64(completed) / m.window.Seconds()
	if completed > 0 {
		out.ErrorRate = float64(failed) / float64(completed)
	}
	return out
}

// Rates 消息速率与错误率
func (m *MonitorService) Rates() (float64, float64) {
	s := m.Snapshot()
	return s.MessagesPerSecond, s.ErrorRate
}

// GetSystemMetrics 进程运行指标
func (m *MonitorService) GetSystemMetrics() *SystemMetrics {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return &SystemMetrics{
		Timestamp:      time.Now(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		HeapSys:        memStats.HeapSys,
		NumGC:          memStats.NumGC,
	}
}
