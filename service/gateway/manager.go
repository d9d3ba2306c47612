/*
 * @module service/gateway/manager
 * @description 网关管理器：按配置创建并管理接入适配器、转发器、路由规则与处理管道的生命周期
 * @architecture 编排层 - 工厂创建实例，事件总线串联适配器与管道
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow Start: 目标系统 -> 路由规则 -> 帧格式 -> 管道订阅 -> 适配器；Stop: 适配器 -> 总线排空 -> 管道 -> 转发器
 * @rules 单个实体启动失败只标记该实体错误；单实体重载不影响其他实例；停止时排空受 drain_timeout 约束
 * @dependencies github.com/robfig/cron/v3
 * @refs service/adapters, service/forwarders, service/routing, service/pipeline, service/config
 */

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gateway-service/service/adapters"
	"gateway-service/service/config"
	"gateway-service/service/eventbus"
	"gateway-service/service/forwarders"
	"gateway-service/service/models"
	"gateway-service/service/pipeline"
	"gateway-service/service/routing"

	"github.com/robfig/cron/v3"
)

// DefaultDrainTimeout 停止时等待在途消息的默认时长
const DefaultDrainTimeout = 10 * time.Second

// ErrNotRunning 网关未启动
var ErrNotRunning = errors.New("网关未启动")

// ConfigProvider 网关所需的配置读取能力
type ConfigProvider interface {
	GetActiveDataSources(ctx context.Context) ([]models.DataSource, error)
	GetActiveTargetSystems(ctx context.Context) ([]models.TargetSystem, error)
	GetActiveRoutingRules(ctx context.Context) ([]models.RoutingRule, error)
	GetPublishedFrameSchemas(ctx context.Context) ([]models.FrameSchema, error)
	GetDataSource(ctx context.Context, id string) (*models.DataSource, error)
	GetTargetSystem(ctx context.Context, id string) (*models.TargetSystem, error)
	GetRoutingRule(ctx context.Context, id string) (*models.RoutingRule, error)
	GetFrameSchema(ctx context.Context, id string) (*models.FrameSchema, error)
	InvalidateLocal(ctx context.Context, entityType, id string)
	InstanceID() string
}

// RulePublisher 规则发布状态写入
type RulePublisher interface {
	SetPublished(ctx context.Context, id string, published bool) error
}

// RateSource 运行时速率指标
type RateSource interface {
	Rates() (messagesPerSecond, errorRate float64)
}

// Deps 管理器依赖
type Deps struct {
	Bus            *eventbus.EventBus
	Config         ConfigProvider
	Rules          RulePublisher
	Adapters       *adapters.Factory
	Forwarders     *forwarders.Manager
	Router         *routing.Engine
	Pipeline       *pipeline.Pipeline
	Rates          RateSource
	DrainTimeout   time.Duration
	StatusInterval time.Duration
}

// EntityState 实体运行状态
type EntityState string

const (
	StateRunning EntityState = "running"
	StateStopped EntityState = "stopped"
	StateError   EntityState = "error"
)

// EntityStatus 单个数据源/目标系统的状态
type EntityStatus struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Protocol  string      `json:"protocol"`
	State     EntityState `json:"state"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Status 网关聚合状态
type Status struct {
	Running           bool                        `json:"running"`
	StartedAt         *time.Time                  `json:"started_at,omitempty"`
	UptimeSeconds     float64                     `json:"uptime_seconds"`
	AdaptersRunning   int                         `json:"adapters_running"`
	AdaptersTotal     int                         `json:"adapters_total"`
	ForwardersActive  int                         `json:"forwarders_active"`
	TargetsRegistered int                         `json:"targets_registered"`
	RulesLoaded       int                         `json:"rules_loaded"`
	FrameSchemas      int                         `json:"frame_schemas"`
	MessagesPerSecond float64                     `json:"messages_per_second"`
	ErrorRate         float64                     `json:"error_rate"`
	Pipeline          pipeline.Stats              `json:"pipeline"`
	Adapters          []adapters.Stats            `json:"adapters"`
	Forwarders        map[string]forwarders.Stats `json:"forwarders"`
	DataSources       map[string]EntityStatus     `json:"data_sources"`
	TargetSystems     map[string]EntityStatus     `json:"target_systems"`
	BusStats          map[string]interface{}      `json:"bus"`
}

// LogEntry GATEWAY_LOG 载荷
type LogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Manager 网关管理器
type Manager struct {
	deps Deps

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	adapters  map[string]adapters.Adapter
	sources   map[string]*EntityStatus
	targets   map[string]*EntityStatus
	schemas   map[string]struct{}

	locks    sync.Map // entity id -> *sync.Mutex
	cron     *cron.Cron
	configID eventbus.SubscriptionID
}

// NewManager 创建网关管理器
func NewManager(deps Deps) *Manager {
	if deps.DrainTimeout <= 0 {
		deps.DrainTimeout = DefaultDrainTimeout
	}
	if deps.StatusInterval <= 0 {
		deps.StatusInterval = 5 * time.Second
	}
	return &Manager{
		deps:     deps,
		adapters: make(map[string]adapters.Adapter),
		sources:  make(map[string]*EntityStatus),
		targets:  make(map[string]*EntityStatus),
		schemas:  make(map[string]struct{}),
	}
}

func (m *Manager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// IsRunning 是否已启动
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Start 加载配置并启动全部实体；只有配置读取失败才返回错误
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.startedAt = time.Now()
	m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	id, err := m.deps.Bus.Subscribe(eventbus.TopicConfigChanged, m.onConfigChanged)
	if err != nil {
		slog.Warn("订阅配置变更失败", "error", err)
	}
	m.configID = id

	m.cron = cron.New(cron.WithSeconds())
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.deps.StatusInterval), m.PublishStatus); err != nil {
		slog.Warn("注册状态发布任务失败", "error", err)
	}
	m.cron.Start()

	status := m.Status()
	m.logEvent(slog.LevelInfo, "网关已启动", map[string]interface{}{
		"adapters_running": status.AdaptersRunning,
		"adapters_total":   status.AdaptersTotal,
		"targets":          status.TargetsRegistered,
		"rules":            status.RulesLoaded,
	})
	m.PublishStatus()
	return nil
}

func (m *Manager) load(ctx context.Context) error {
	targets, err := m.deps.Config.GetActiveTargetSystems(ctx)
	if err != nil {
		return fmt.Errorf("加载目标系统失败: %w", err)
	}
	rules, err := m.deps.Config.GetActiveRoutingRules(ctx)
	if err != nil {
		return fmt.Errorf("加载路由规则失败: %w", err)
	}
	schemas, err := m.deps.Config.GetPublishedFrameSchemas(ctx)
	if err != nil {
		return fmt.Errorf("加载帧格式失败: %w", err)
	}
	sources, err := m.deps.Config.GetActiveDataSources(ctx)
	if err != nil {
		return fmt.Errorf("加载数据源失败: %w", err)
	}

	for i := range targets {
		_ = m.registerTarget(&targets[i])
	}

	m.deps.Router.LoadRules(rules)

	m.mu.Lock()
	for _, fs := range schemas {
		m.schemas[fs.ID] = struct{}{}
	}
	m.mu.Unlock()

	if err := m.deps.Pipeline.Start(); err != nil {
		return err
	}

	for i := range sources {
		ds := sources[i]
		unlock := m.lock(ds.ID)
		if err := m.startAdapter(ctx, &ds); err != nil {
			slog.Error("数据源启动失败", "data_source_id", ds.ID, "protocol", ds.ProtocolType, "error", err)
		}
		unlock()
	}
	return nil
}

// Stop 停止接入、排空在途消息并关闭转发器
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	running := m.adapters
	m.adapters = make(map[string]adapters.Adapter)
	m.mu.Unlock()

	if m.cron != nil {
		m.cron.Stop()
	}
	if m.configID != "" {
		m.deps.Bus.Unsubscribe(m.configID)
		m.configID = ""
	}

	drainCtx, cancel := context.WithTimeout(ctx, m.deps.DrainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for id, a := range running {
		wg.Add(1)
		go func(id string, a adapters.Adapter) {
			defer wg.Done()
			if err := a.Stop(drainCtx); err != nil {
				slog.Warn("适配器停止超时，剩余消息被放弃", "data_source_id", id, "error", err)
			}
			m.setSourceState(id, "", "", StateStopped, nil)
		}(id, a)
	}
	wg.Wait()

	if err := m.deps.Bus.Wait(drainCtx); err != nil {
		slog.Warn("排空事件总线超时", "pending", m.deps.Bus.Pending(), "error", err)
	}
	m.deps.Pipeline.Stop()
	if err := m.deps.Forwarders.Close(); err != nil {
		slog.Warn("关闭转发器失败", "error", err)
	}

	m.logEvent(slog.LevelInfo, "网关已停止", map[string]interface{}{"stopped_adapters": len(running)})
	m.PublishStatus()
	return nil
}

// startAdapter 调用方需持有该数据源的实体锁
func (m *Manager) startAdapter(ctx context.Context, ds *models.DataSource) error {
	m.setSourceState(ds.ID, ds.Name, ds.ProtocolType, StateStopped, nil)
	a, err := m.deps.Adapters.Create(ds.ProtocolType, ds, m.deps.Bus)
	if err != nil {
		m.setSourceState(ds.ID, ds.Name, ds.ProtocolType, StateError, err)
		return err
	}
	if err := a.Start(ctx); err != nil {
		m.setSourceState(ds.ID, ds.Name, ds.ProtocolType, StateError, err)
		return err
	}

	m.mu.Lock()
	m.adapters[ds.ID] = a
	m.mu.Unlock()
	m.setSourceState(ds.ID, ds.Name, ds.ProtocolType, StateRunning, nil)
	m.logEvent(slog.LevelInfo, "数据源已启动", map[string]interface{}{
		"data_source_id": ds.ID,
		"protocol":       ds.ProtocolType,
		"address":        a.Addr(),
	})
	return nil
}

// stopAdapter 调用方需持有该数据源的实体锁
func (m *Manager) stopAdapter(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.adapters[id]
	delete(m.adapters, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, m.deps.DrainTimeout)
	defer cancel()
	err := a.Stop(drainCtx)
	m.setSourceState(id, "", "", StateStopped, nil)
	m.logEvent(slog.LevelInfo, "数据源已停止", map[string]interface{}{"data_source_id": id})
	return err
}

// StartDataSource 启动单个数据源
func (m *Manager) StartDataSource(ctx context.Context, id string) error {
	if !m.IsRunning() {
		return ErrNotRunning
	}
	unlock := m.lock(id)
	defer unlock()

	m.mu.RLock()
	_, running := m.adapters[id]
	m.mu.RUnlock()
	if running {
		return nil
	}
	ds, err := m.deps.Config.GetDataSource(ctx, id)
	if err != nil {
		return err
	}
	return m.startAdapter(ctx, ds)
}

// StopDataSource 停止单个数据源，已发布的消息继续处理完
func (m *Manager) StopDataSource(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()
	return m.stopAdapter(ctx, id)
}

// ReloadDataSource 停止并按最新配置重建单个数据源；已停用或已删除的数据源只停止
func (m *Manager) ReloadDataSource(ctx context.Context, id string) error {
	if !m.IsRunning() {
		return ErrNotRunning
	}
	unlock := m.lock(id)
	defer unlock()

	if err := m.stopAdapter(ctx, id); err != nil {
		slog.Warn("重载前停止数据源超时", "data_source_id", id, "error", err)
	}
	m.deps.Config.InvalidateLocal(ctx, config.EntityDataSource, id)
	ds, err := m.deps.Config.GetDataSource(ctx, id)
	if config.IsNotFound(err) {
		m.removeSource(id)
		return nil
	}
	if err != nil {
		return err
	}
	if !ds.IsActive {
		m.setSourceState(ds.ID, ds.Name, ds.ProtocolType, StateStopped, nil)
		return nil
	}
	return m.startAdapter(ctx, ds)
}

// registerTarget 注册目标并立即创建转发器，以便协议错误在启动时暴露
func (m *Manager) registerTarget(ts *models.TargetSystem) error {
	err := m.deps.Forwarders.ReloadTarget(ts)
	if err != nil {
		m.setTargetState(ts, StateError, err)
		slog.Error("目标系统注册失败", "target_id", ts.ID, "protocol", ts.ProtocolType, "error", err)
		return err
	}
	state := StateRunning
	if !ts.IsActive {
		state = StateStopped
	}
	m.setTargetState(ts, state, nil)
	return nil
}

// RegisterTargetSystem 注册目标系统
func (m *Manager) RegisterTargetSystem(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()
	ts, err := m.deps.Config.GetTargetSystem(ctx, id)
	if err != nil {
		return err
	}
	return m.registerTarget(ts)
}

// UnregisterTargetSystem 注销目标系统
func (m *Manager) UnregisterTargetSystem(id string) bool {
	unlock := m.lock(id)
	defer unlock()
	ok := m.deps.Forwarders.UnregisterTarget(id)
	m.mu.Lock()
	delete(m.targets, id)
	m.mu.Unlock()
	return ok
}

// ReloadTargetSystem 按最新配置重建单个目标的转发器
func (m *Manager) ReloadTargetSystem(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	m.deps.Config.InvalidateLocal(ctx, config.EntityTargetSystem, id)
	ts, err := m.deps.Config.GetTargetSystem(ctx, id)
	if config.IsNotFound(err) {
		m.deps.Forwarders.UnregisterTarget(id)
		m.mu.Lock()
		delete(m.targets, id)
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	return m.registerTarget(ts)
}

// PublishRule 发布规则并加入路由引擎
func (m *Manager) PublishRule(ctx context.Context, id string) error {
	if m.deps.Rules != nil {
		if err := m.deps.Rules.SetPublished(ctx, id, true); err != nil {
			return err
		}
	}
	return m.ReloadRule(ctx, id)
}

// UnpublishRule 取消发布并从路由引擎移除
func (m *Manager) UnpublishRule(ctx context.Context, id string) error {
	if m.deps.Rules != nil {
		if err := m.deps.Rules.SetPublished(ctx, id, false); err != nil {
			return err
		}
	}
	m.deps.Config.InvalidateLocal(ctx, config.EntityRoutingRule, id)
	m.deps.Router.RemoveRule(id)
	slog.Info("路由规则已取消发布", "rule_id", id)
	return nil
}

// ReloadRule 重新读取单条规则：注销后按最新状态重新注册
func (m *Manager) ReloadRule(ctx context.Context, id string) error {
	m.deps.Config.InvalidateLocal(ctx, config.EntityRoutingRule, id)
	rule, err := m.deps.Config.GetRoutingRule(ctx, id)
	if config.IsNotFound(err) {
		m.deps.Router.RemoveRule(id)
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.deps.Router.ReloadRule(rule); err != nil {
		return err
	}
	slog.Info("路由规则已重新加载", "rule_id", id, "eligible", rule.IsEligible())
	return nil
}

// RegisterFrameSchema 预加载帧格式到配置缓存
func (m *Manager) RegisterFrameSchema(ctx context.Context, id string) error {
	m.deps.Config.InvalidateLocal(ctx, config.EntityFrameSchema, id)
	if _, err := m.deps.Config.GetFrameSchema(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.schemas[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

// UnregisterFrameSchema 移除帧格式缓存
func (m *Manager) UnregisterFrameSchema(ctx context.Context, id string) {
	m.deps.Config.InvalidateLocal(ctx, config.EntityFrameSchema, id)
	m.mu.Lock()
	delete(m.schemas, id)
	m.mu.Unlock()
}

// onConfigChanged 只处理其他实例发出的变更，本实例的变更由调用方直接重载
func (m *Manager) onConfigChanged(_ string, payload interface{}) {
	change, ok := payload.(config.Change)
	if !ok || change.Origin == m.deps.Config.InstanceID() || !m.IsRunning() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.deps.DrainTimeout+5*time.Second)
	defer cancel()

	var err error
	switch change.EntityType {
	case config.EntityDataSource:
		err = m.ReloadDataSource(ctx, change.ID)
	case config.EntityTargetSystem:
		err = m.ReloadTargetSystem(ctx, change.ID)
	case config.EntityRoutingRule:
		err = m.ReloadRule(ctx, change.ID)
	case config.EntityFrameSchema:
		m.UnregisterFrameSchema(ctx, change.ID)
		err = m.RegisterFrameSchema(ctx, change.ID)
	}
	if err != nil && !errors.Is(err, ErrNotRunning) {
		slog.Warn("应用远端配置变更失败", "entity_type", change.EntityType, "id", change.ID, "error", err)
	}
}

func (m *Manager) setSourceState(id, name, protocol string, state EntityState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sources[id]
	if !ok {
		st = &EntityStatus{ID: id}
		m.sources[id] = st
	}
	if name != "" {
		st.Name = name
	}
	if protocol != "" {
		st.Protocol = protocol
	}
	st.State = state
	st.Error = ""
	if err != nil {
		st.Error = err.Error()
	}
	st.UpdatedAt = time.Now()
}

func (m *Manager) removeSource(id string) {
	m.mu.Lock()
	delete(m.sources, id)
	m.mu.Unlock()
}

func (m *Manager) setTargetState(ts *models.TargetSystem, state EntityState, err error) {
	st := &EntityStatus{
		ID:        ts.ID,
		Name:      ts.Name,
		Protocol:  ts.ProtocolType,
		State:     state,
		UpdatedAt: time.Now(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	m.mu.Lock()
	m.targets[ts.ID] = st
	m.mu.Unlock()
}

// AdapterStats 单个数据源的适配器统计
func (m *Manager) AdapterStats(id string) (adapters.Stats, bool) {
	m.mu.RLock()
	a, ok := m.adapters[id]
	m.mu.RUnlock()
	if !ok {
		return adapters.Stats{}, false
	}
	return a.GetStats(), true
}

// DataSourceStatus 单个数据源的运行状态
func (m *Manager) DataSourceStatus(id string) (EntityStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sources[id]
	if !ok {
		return EntityStatus{}, false
	}
	return *st, true
}

// TargetSystemStatus 单个目标系统的运行状态
func (m *Manager) TargetSystemStatus(id string) (EntityStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.targets[id]
	if !ok {
		return EntityStatus{}, false
	}
	return *st, true
}

// Status 聚合状态快照
func (m *Manager) Status() Status {
	m.mu.RLock()
	status := Status{
		Running:       m.running,
		AdaptersTotal: len(m.sources),
		FrameSchemas:  len(m.schemas),
		DataSources:   make(map[string]EntityStatus, len(m.sources)),
		TargetSystems: make(map[string]EntityStatus, len(m.targets)),
		Adapters:      make([]adapters.Stats, 0, len(m.adapters)),
	}
	if m.running {
		started := m.startedAt
		status.StartedAt = &started
		status.UptimeSeconds = time.Since(started).Seconds()
	}
	for id, st := range m.sources {
		status.DataSources[id] = *st
	}
	for id, st := range m.targets {
		status.TargetSystems[id] = *st
	}
	running := make([]adapters.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		running = append(running, a)
	}
	m.mu.RUnlock()

	for _, a := range running {
		stats := a.GetStats()
		if stats.IsRunning {
			status.AdaptersRunning++
		}
		status.Adapters = append(status.Adapters, stats)
	}
	sort.Slice(status.Adapters, func(i, j int) bool { return status.Adapters[i].ID < status.Adapters[j].ID })

	status.ForwardersActive = m.deps.Forwarders.ActiveCount()
	status.TargetsRegistered = m.deps.Forwarders.TargetCount()
	status.Forwarders = m.deps.Forwarders.Stats()
	status.RulesLoaded = len(m.deps.Router.Rules())
	status.Pipeline = m.deps.Pipeline.Stats()
	status.BusStats = m.deps.Bus.Stats()
	if m.deps.Rates != nil {
		status.MessagesPerSecond, status.ErrorRate = m.deps.Rates.Rates()
	}
	return status
}

// PublishStatus 向 GATEWAY_STATUS 发布聚合状态
func (m *Manager) PublishStatus() {
	m.deps.Bus.Publish(eventbus.TopicGatewayStatus, m.Status())
}

// logEvent 写结构化日志并发布到 GATEWAY_LOG
func (m *Manager) logEvent(level slog.Level, msg string, fields map[string]interface{}) {
	args := make([]interface{}, 0, len(fields)*2)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	slog.Log(context.Background(), level, msg, args...)

	m.deps.Bus.Publish(eventbus.TopicGatewayLog, LogEntry{
		Level:     level.String(),
		Message:   msg,
		Fields:    fields,
		Timestamp: time.Now().UTC(),
	})
}
