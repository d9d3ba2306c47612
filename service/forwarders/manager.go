/*
 * @module service/forwarders/manager
 * @description 转发器管理器：按目标系统缓存转发器实例，并发扇出转发并发布结果事件
 * @architecture 管理器模式 - 目标配置表 + 转发器实例缓存
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow RegisterTarget -> 首次转发时创建转发器 -> ForwardToTargets(并发) -> ReloadTarget/UnregisterTarget -> Close
 * @rules 各目标相互隔离；目标不存在时返回失败结果而不是错误；被替换的转发器在其在途转发结束后才关闭
 * @dependencies sync
 * @refs service/forwarders/forwarder.go, service/pipeline
 */

package forwarders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"
)

// ForwardRequest 针对单个目标的转发请求
type ForwardRequest struct {
	MessageID string
	RuleID    string
	TargetID  string
	Ref       models.TargetRef
	Payload   interface{}
}

// defaultRetireTimeout 被替换的转发器等待在途转发的最长时间
const defaultRetireTimeout = 30 * time.Second

// forwarderEntry 缓存的转发器及其在途转发计数
type forwarderEntry struct {
	fwd      Forwarder
	inflight eventbus.Tracker
	once     sync.Once
}

// retire 等待在途转发结束后关闭转发器，超时则强制关闭。可重复调用
func (e *forwarderEntry) retire(targetID string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.inflight.Wait(ctx); err != nil {
		slog.Warn("等待在途转发超时，强制关闭转发器", "target_id", targetID, "pending", e.inflight.Pending())
	}
	e.once.Do(func() { closeForwarder(targetID, e.fwd) })
}

// Manager 转发器管理器
type Manager struct {
	factory *Factory
	deps    Dependencies
	bus     *eventbus.EventBus

	// RetireTimeout 重载或注销时旧转发器等待在途转发的时间
	RetireTimeout time.Duration

	mu         sync.RWMutex
	targets    map[string]*models.TargetSystem
	forwarders map[string]*forwarderEntry
	retiring   eventbus.Tracker
}

// NewManager 创建转发器管理器
func NewManager(factory *Factory, deps Dependencies, bus *eventbus.EventBus) *Manager {
	if factory == nil {
		factory = NewFactory()
	}
	return &Manager{
		factory:       factory,
		deps:          deps,
		bus:           bus,
		RetireTimeout: defaultRetireTimeout,
		targets:       make(map[string]*models.TargetSystem),
		forwarders:    make(map[string]*forwarderEntry),
	}
}

// RegisterTarget 注册或替换目标系统配置，旧转发器在在途转发结束后关闭
func (m *Manager) RegisterTarget(target *models.TargetSystem) {
	if target == nil || target.ID == "" {
		return
	}
	copied := *target
	m.mu.Lock()
	old := m.forwarders[target.ID]
	delete(m.forwarders, target.ID)
	m.targets[target.ID] = &copied
	m.mu.Unlock()
	m.retireAsync(target.ID, old)
}

// UnregisterTarget 注销目标系统
func (m *Manager) UnregisterTarget(targetID string) bool {
	m.mu.Lock()
	_, ok := m.targets[targetID]
	old := m.forwarders[targetID]
	delete(m.targets, targetID)
	delete(m.forwarders, targetID)
	m.mu.Unlock()
	m.retireAsync(targetID, old)
	return ok
}

func (m *Manager) retireAsync(targetID string, e *forwarderEntry) {
	if e == nil {
		return
	}
	m.retiring.Add(1)
	go func() {
		defer m.retiring.Done()
		e.retire(targetID, m.RetireTimeout)
	}()
}

// ReloadTarget 重建单个目标的转发器，不影响其他目标
func (m *Manager) ReloadTarget(target *models.TargetSystem) error {
	if target == nil || target.ID == "" {
		return fmt.Errorf("目标系统ID不能为空")
	}
	if !target.IsActive {
		m.UnregisterTarget(target.ID)
		return nil
	}
	m.RegisterTarget(target)
	e, _, err := m.acquire(target.ID)
	if err != nil {
		return err
	}
	e.inflight.Done()
	return nil
}

// Target 查询已注册的目标系统
func (m *Manager) Target(targetID string) (*models.TargetSystem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[targetID]
	return t, ok
}

func closeForwarder(targetID string, f Forwarder) {
	if f == nil {
		return
	}
	if err := f.Close(); err != nil {
		slog.Warn("关闭转发器失败", "target_id", targetID, "error", err)
	}
}

// acquire 获取或创建转发器并登记一次在途转发，调用方结束后须调用 inflight.Done。
// 登记在持锁期间完成，从缓存移除后的条目不会再有新的在途转发
func (m *Manager) acquire(targetID string) (*forwarderEntry, *models.TargetSystem, error) {
	m.mu.RLock()
	target, ok := m.targets[targetID]
	e := m.forwarders[targetID]
	if e != nil {
		e.inflight.Add(1)
	}
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("目标系统未注册: %s", targetID)
	}
	if e != nil {
		return e, target, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok = m.targets[targetID]
	if !ok {
		return nil, nil, fmt.Errorf("目标系统未注册: %s", targetID)
	}
	if e = m.forwarders[targetID]; e != nil {
		e.inflight.Add(1)
		return e, target, nil
	}
	created, err := m.factory.Create(target, m.deps)
	if err != nil {
		return nil, target, err
	}
	e = &forwarderEntry{fwd: created}
	e.inflight.Add(1)
	m.forwarders[targetID] = e
	return e, target, nil
}

// Forward 转发到单个目标
func (m *Manager) Forward(ctx context.Context, req ForwardRequest) *ForwardResult {
	e, target, err := m.acquire(req.TargetID)
	var result *ForwardResult
	if err != nil {
		result = &ForwardResult{
			TargetID:  req.TargetID,
			Status:    models.ForwardStatusFailed,
			Error:     err.Error(),
			Timestamp: time.Now(),
			err:       err,
		}
		if target != nil {
			result.Protocol = target.ProtocolType
		}
	} else {
		result = m.forwardWith(ctx, e, WithOverrides(target, req.Ref), req.Payload)
	}
	result.MessageID = req.MessageID
	result.RuleID = req.RuleID

	if m.bus != nil {
		if result.Success() {
			m.bus.Publish(eventbus.TopicDataForwarded, result)
		} else {
			m.bus.Publish(eventbus.TopicForwardFailed, result)
		}
	}
	return result
}

func (m *Manager) forwardWith(ctx context.Context, e *forwarderEntry, target *models.TargetSystem, payload interface{}) *ForwardResult {
	defer e.inflight.Done()
	return e.fwd.Forward(ctx, target, payload)
}

// ForwardToTargets 并发扇出，结果顺序与请求顺序一致
func (m *Manager) ForwardToTargets(ctx context.Context, reqs []ForwardRequest) []*ForwardResult {
	results := make([]*ForwardResult, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("转发器异常: %v", r)
					slog.Error("转发器异常", "target_id", reqs[i].TargetID, "panic", r)
					results[i] = &ForwardResult{
						MessageID: reqs[i].MessageID,
						RuleID:    reqs[i].RuleID,
						TargetID:  reqs[i].TargetID,
						Status:    models.ForwardStatusFailed,
						Error:     err.Error(),
						Timestamp: time.Now(),
						err:       err,
					}
				}
			}()
			results[i] = m.Forward(ctx, reqs[i])
		}(i)
	}
	wg.Wait()
	return results
}

// ActiveCount 已创建的转发器数量
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forwarders)
}

// TargetCount 已注册的目标数量
func (m *Manager) TargetCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.targets)
}

// Stats 各目标转发统计
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.forwarders))
	for id, e := range m.forwarders {
		out[id] = e.fwd.Stats()
	}
	return out
}

// Close 关闭所有转发器，包括仍在等待在途转发的旧转发器
func (m *Manager) Close() error {
	m.mu.Lock()
	forwarders := m.forwarders
	m.forwarders = make(map[string]*forwarderEntry)
	m.mu.Unlock()
	for id, e := range forwarders {
		m.retireAsync(id, e)
	}
	_ = m.retiring.Wait(context.Background())
	return nil
}
