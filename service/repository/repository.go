/*
 * @module service/repository
 * @description 网关实体的 GORM 仓储：数据源、目标系统、路由规则、帧格式、日志与密钥
 * @architecture 仓储模式 - 每个实体一个仓储，Store 聚合全部仓储并实现管道记录接口
 * @documentReference dev_docs/gateway_model.md
 * @stateFlow 创建(一致性检查) -> 查询/更新 -> 软停用/删除(引用检查)
 * @rules 计数类字段只用行级原子自增；被规则引用的数据源与目标系统不能删除
 * @dependencies gorm.io/gorm
 * @refs service/config, service/pipeline, api/controllers
 */

package repository

import (
	"context"
	"errors"
	"time"

	"gateway-service/service/models"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")
	// ErrInUse 记录仍被其他配置引用
	ErrInUse = errors.New("记录仍被引用")
	// ErrImmutable 记录已发布，不允许修改
	ErrImmutable = errors.New("记录已发布，不可修改")
)

// Store 仓储集合
type Store struct {
	db          *gorm.DB
	DataSources *DataSourceRepository
	Targets     *TargetSystemRepository
	Rules       *RoutingRuleRepository
	Schemas     *FrameSchemaRepository
	Logs        *LogRepository
	Keys        *EncryptionKeyRepository
}

// NewStore 创建仓储集合
func NewStore(db *gorm.DB) *Store {
	rules := NewRoutingRuleRepository(db)
	return &Store{
		db:          db,
		DataSources: NewDataSourceRepository(db, rules),
		Targets:     NewTargetSystemRepository(db, rules),
		Rules:       rules,
		Schemas:     NewFrameSchemaRepository(db),
		Logs:        NewLogRepository(db),
		Keys:        NewEncryptionKeyRepository(db),
	}
}

// DB 底层连接
func (s *Store) DB() *gorm.DB {
	return s.db
}

// SaveMessageLog 写入消息日志
func (s *Store) SaveMessageLog(ctx context.Context, log *models.MessageLog) error {
	return s.Logs.CreateMessageLog(ctx, log)
}

// SaveForwardLogs 批量写入转发日志
func (s *Store) SaveForwardLogs(ctx context.Context, logs []*models.ForwardLog) error {
	return s.Logs.CreateForwardLogs(ctx, logs)
}

// IncrementMessageCount 数据源消息计数 +1
func (s *Store) IncrementMessageCount(ctx context.Context, dataSourceID string, at time.Time) error {
	return s.DataSources.IncrementMessageCount(ctx, dataSourceID, at)
}

// IncrementForwardCount 目标系统转发计数 +1
func (s *Store) IncrementForwardCount(ctx context.Context, targetID string, success bool, at time.Time) error {
	return s.Targets.IncrementForwardCount(ctx, targetID, success, at)
}

// RecordMatch 规则匹配计数 +1
func (s *Store) RecordMatch(ctx context.Context, ruleID string, at time.Time) error {
	return s.Rules.RecordMatch(ctx, ruleID, at)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
