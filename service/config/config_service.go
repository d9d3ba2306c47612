/*
 * @module service/config/config_service
 * @description 网关配置读取服务：数据源、目标系统、路由规则、帧格式与活动密钥
 * @architecture 读穿透缓存 - 进程内 map -> Redis(可选) -> 数据库
 * @documentReference dev_docs/gateway_model.md
 * @stateFlow 读取 -> 命中缓存直接返回 / 未命中查库回填；Invalidate -> 清缓存 -> CONFIG_CHANGED -> 通知其他实例
 * @rules 密钥只缓存在进程内；列表查询不走 Redis；不存在的记录不缓存
 * @dependencies github.com/go-redis/redis/v8, gorm.io/gorm
 * @refs service/gateway, service/pipeline, service/crypto, service/event
 */

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"
	"gateway-service/service/repository"

	"github.com/google/uuid"
)

// 配置实体类型
const (
	EntityDataSource    = "data_source"
	EntityTargetSystem  = "target_system"
	EntityRoutingRule   = "routing_rule"
	EntityFrameSchema   = "frame_schema"
	EntityEncryptionKey = "encryption_key"
)

// Change 配置变更通知
type Change struct {
	EntityType string `json:"entity_type"`
	ID         string `json:"id"`
	Action     string `json:"action,omitempty"`
	Origin     string `json:"origin,omitempty"`
}

// Notifier 跨实例变更通知（Postgres NOTIFY 实现）
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// GatewayConfigService 网关配置服务
type GatewayConfigService struct {
	store      *repository.Store
	cache      Cache
	ttl        time.Duration
	bus        *eventbus.EventBus
	instanceID string

	notifierMu sync.RWMutex
	notifier   Notifier

	mu          sync.RWMutex
	sources     map[string]*models.DataSource
	targets     map[string]*models.TargetSystem
	schemas     map[string]*models.FrameSchema
	keys        map[string]*models.EncryptionKey
	rules       []models.RoutingRule
	rulesLoaded bool
}

// NewGatewayConfigService 创建配置服务，cache 可为 nil
func NewGatewayConfigService(store *repository.Store, cache Cache, ttl time.Duration, bus *eventbus.EventBus) *GatewayConfigService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &GatewayConfigService{
		store:      store,
		cache:      cache,
		ttl:        ttl,
		bus:        bus,
		instanceID: uuid.New().String(),
		sources:    make(map[string]*models.DataSource),
		targets:    make(map[string]*models.TargetSystem),
		schemas:    make(map[string]*models.FrameSchema),
		keys:       make(map[string]*models.EncryptionKey),
	}
}

// InstanceID 本实例标识，用于过滤自身发出的通知
func (s *GatewayConfigService) InstanceID() string {
	return s.instanceID
}

// SetNotifier 设置跨实例通知器
func (s *GatewayConfigService) SetNotifier(n Notifier) {
	s.notifierMu.Lock()
	s.notifier = n
	s.notifierMu.Unlock()
}

// Store 底层仓储
func (s *GatewayConfigService) Store() *repository.Store {
	return s.store
}

func cacheKey(entityType, id string) string {
	return fmt.Sprintf("gateway:config:%s:%s", entityType, id)
}

// readThrough 进程内未命中时依次查 Redis 与数据库，并回填 Redis
func readThrough[T any](ctx context.Context, s *GatewayConfigService, entityType, id string, load func() (*T, error)) (*T, error) {
	key := cacheKey(entityType, id)
	if s.cache != nil {
		data, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("读取配置缓存失败", "key", key, "error", err)
		} else if ok {
			var v T
			if err := json.Unmarshal(data, &v); err == nil {
				return &v, nil
			}
			slog.Warn("配置缓存内容无法解析", "key", key)
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, err := json.Marshal(v); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				slog.Warn("写入配置缓存失败", "key", key, "error", err)
			}
		}
	}
	return v, nil
}

// GetDataSource 按ID读取数据源
func (s *GatewayConfigService) GetDataSource(ctx context.Context, id string) (*models.DataSource, error) {
	s.mu.RLock()
	ds, ok := s.sources[id]
	s.mu.RUnlock()
	if ok {
		return ds, nil
	}

	ds, err := readThrough(ctx, s, EntityDataSource, id, func() (*models.DataSource, error) {
		return s.store.DataSources.Get(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("读取数据源 %s 失败: %w", id, err)
	}
	s.mu.Lock()
	s.sources[id] = ds
	s.mu.Unlock()
	return ds, nil
}

// GetTargetSystem 按ID读取目标系统
func (s *GatewayConfigService) GetTargetSystem(ctx context.Context, id string) (*models.TargetSystem, error) {
	s.mu.RLock()
	ts, ok := s.targets[id]
	s.mu.RUnlock()
	if ok {
		return ts, nil
	}

	ts, err := readThrough(ctx, s, EntityTargetSystem, id, func() (*models.TargetSystem, error) {
		return s.store.Targets.Get(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("读取目标系统 %s 失败: %w", id, err)
	}
	s.mu.Lock()
	s.targets[id] = ts
	s.mu.Unlock()
	return ts, nil
}

// GetFrameSchema 按ID读取帧格式
func (s *GatewayConfigService) GetFrameSchema(ctx context.Context, id string) (*models.FrameSchema, error) {
	s.mu.RLock()
	fs, ok := s.schemas[id]
	s.mu.RUnlock()
	if ok {
		return fs, nil
	}

	fs, err := readThrough(ctx, s, EntityFrameSchema, id, func() (*models.FrameSchema, error) {
		return s.store.Schemas.Get(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("读取帧格式 %s 失败: %w", id, err)
	}
	s.mu.Lock()
	s.schemas[id] = fs
	s.mu.Unlock()
	return fs, nil
}

// GetRoutingRule 按ID读取规则（不缓存，用于重新加载）
func (s *GatewayConfigService) GetRoutingRule(ctx context.Context, id string) (*models.RoutingRule, error) {
	rule, err := s.store.Rules.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("读取路由规则 %s 失败: %w", id, err)
	}
	return rule, nil
}

// GetActiveDataSources 启用的数据源，同时回填单条缓存
func (s *GatewayConfigService) GetActiveDataSources(ctx context.Context) ([]models.DataSource, error) {
	list, err := s.store.DataSources.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := range list {
		ds := list[i]
		s.sources[ds.ID] = &ds
	}
	s.mu.Unlock()
	return list, nil
}

// GetActiveTargetSystems 启用的目标系统
func (s *GatewayConfigService) GetActiveTargetSystems(ctx context.Context) ([]models.TargetSystem, error) {
	list, err := s.store.Targets.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := range list {
		ts := list[i]
		s.targets[ts.ID] = &ts
	}
	s.mu.Unlock()
	return list, nil
}

// GetActiveRoutingRules 启用且已发布的规则，按优先级降序
func (s *GatewayConfigService) GetActiveRoutingRules(ctx context.Context) ([]models.RoutingRule, error) {
	s.mu.RLock()
	if s.rulesLoaded {
		out := append([]models.RoutingRule(nil), s.rules...)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	list, err := s.store.Rules.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rules = list
	s.rulesLoaded = true
	s.mu.Unlock()
	return append([]models.RoutingRule(nil), list...), nil
}

// GetPublishedFrameSchemas 已发布的帧格式
func (s *GatewayConfigService) GetPublishedFrameSchemas(ctx context.Context) ([]models.FrameSchema, error) {
	list, err := s.store.Schemas.ListPublished(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := range list {
		fs := list[i]
		s.schemas[fs.ID] = &fs
	}
	s.mu.Unlock()
	return list, nil
}

// GetActiveEncryptionKey 指定名称的当前活动密钥
func (s *GatewayConfigService) GetActiveEncryptionKey(ctx context.Context, name string) (*models.EncryptionKey, error) {
	s.mu.RLock()
	key, ok := s.keys[name]
	s.mu.RUnlock()
	if ok && !key.IsExpired(time.Now().UTC()) {
		return key, nil
	}

	key, err := s.store.Keys.GetActive(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("读取密钥 %s 失败: %w", name, err)
	}
	s.mu.Lock()
	s.keys[name] = key
	s.mu.Unlock()
	return key, nil
}

// GetEncryptionKeyVersion 指定名称与版本的密钥（含已停用版本），直接读取数据库
func (s *GatewayConfigService) GetEncryptionKeyVersion(ctx context.Context, name, version string) (*models.EncryptionKey, error) {
	key, err := s.store.Keys.GetVersion(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("读取密钥 %s@%s 失败: %w", name, version, err)
	}
	return key, nil
}

// Invalidate 清除某个实体的缓存，发布 CONFIG_CHANGED 并通知其他实例
func (s *GatewayConfigService) Invalidate(ctx context.Context, entityType, id string) {
	s.InvalidateLocal(ctx, entityType, id)

	change := Change{EntityType: entityType, ID: id, Action: "invalidate", Origin: s.instanceID}
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicConfigChanged, change)
	}

	s.notifierMu.RLock()
	n := s.notifier
	s.notifierMu.RUnlock()
	if n != nil {
		if err := n.Notify(ctx, change); err != nil {
			slog.Warn("发送配置变更通知失败", "entity_type", entityType, "id", id, "error", err)
		}
	}
}

// ApplyRemoteChange 处理其他实例发出的变更：只清缓存并在本地发布，不再外发
func (s *GatewayConfigService) ApplyRemoteChange(ctx context.Context, change Change) bool {
	if change.Origin == s.instanceID {
		return false
	}
	s.InvalidateLocal(ctx, change.EntityType, change.ID)
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicConfigChanged, change)
	}
	return true
}

// InvalidateLocal 只清除本实例缓存，不发布事件也不外发通知
func (s *GatewayConfigService) InvalidateLocal(ctx context.Context, entityType, id string) {
	s.mu.Lock()
	switch entityType {
	case EntityDataSource:
		delete(s.sources, id)
	case EntityTargetSystem:
		delete(s.targets, id)
	case EntityFrameSchema:
		delete(s.schemas, id)
	case EntityEncryptionKey:
		delete(s.keys, id)
	case EntityRoutingRule:
		s.rules = nil
		s.rulesLoaded = false
	}
	s.mu.Unlock()

	if s.cache != nil && entityType != EntityRoutingRule && entityType != EntityEncryptionKey {
		if err := s.cache.Delete(ctx, cacheKey(entityType, id)); err != nil {
			slog.Warn("删除配置缓存失败", "entity_type", entityType, "id", id, "error", err)
		}
	}
	slog.Debug("配置缓存已失效", "entity_type", entityType, "id", id)
}

// InvalidateAll 清空进程内缓存
func (s *GatewayConfigService) InvalidateAll() {
	s.mu.Lock()
	s.sources = make(map[string]*models.DataSource)
	s.targets = make(map[string]*models.TargetSystem)
	s.schemas = make(map[string]*models.FrameSchema)
	s.keys = make(map[string]*models.EncryptionKey)
	s.rules = nil
	s.rulesLoaded = false
	s.mu.Unlock()
}

// IsNotFound 是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
