package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gateway-service/service/models"

	"gorm.io/gorm"
)

// RoutingRuleRepository 路由规则仓储，写入前统一迁移旧版字段
type RoutingRuleRepository struct {
	db *gorm.DB
}

// NewRoutingRuleRepository 创建路由规则仓储
func NewRoutingRuleRepository(db *gorm.DB) *RoutingRuleRepository {
	return &RoutingRuleRepository{db: db}
}

func prepareRule(rule *models.RoutingRule) error {
	models.TranslateLegacyRule(rule)
	if rule.Priority == 0 {
		rule.Priority = models.DefaultRulePriority
	}
	return rule.Validate()
}

// Create 创建规则（默认未发布）
func (r *RoutingRuleRepository) Create(ctx context.Context, rule *models.RoutingRule) error {
	if err := prepareRule(rule); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("创建路由规则失败: %w", err)
	}
	return nil
}

// Get 按ID查询
func (r *RoutingRuleRepository) Get(ctx context.Context, id string) (*models.RoutingRule, error) {
	var rule models.RoutingRule
	if err := r.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	models.TranslateLegacyRule(&rule)
	return &rule, nil
}

// List 分页查询，按优先级降序
func (r *RoutingRuleRepository) List(ctx context.Context, page, size int) ([]models.RoutingRule, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.RoutingRule{})
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计路由规则失败: %w", err)
	}
	var list []models.RoutingRule
	if err := paginate(query, page, size).Order("priority DESC, id").Find(&list).Error; err != nil {
		return nil, 0, fmt.Errorf("查询路由规则失败: %w", err)
	}
	for i := range list {
		models.TranslateLegacyRule(&list[i])
	}
	return list, total, nil
}

// ListActive 启用且已发布的规则
func (r *RoutingRuleRepository) ListActive(ctx context.Context) ([]models.RoutingRule, error) {
	var list []models.RoutingRule
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND is_published = ?", true, true).
		Order("priority DESC, id").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("查询已发布路由规则失败: %w", err)
	}
	for i := range list {
		models.TranslateLegacyRule(&list[i])
	}
	return list, nil
}

// Update 保存修改，不改变发布状态与统计
func (r *RoutingRuleRepository) Update(ctx context.Context, rule *models.RoutingRule) error {
	if err := prepareRule(rule); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(rule).Select(
		"name", "description", "priority", "source_config", "pipeline", "target_systems",
		"conditions", "logical_operator", "target_system_ids", "data_transformation", "is_active",
	).Updates(rule)
	if result.Error != nil {
		return fmt.Errorf("更新路由规则失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPublished 发布或取消发布
func (r *RoutingRuleRepository) SetPublished(ctx context.Context, id string, published bool) error {
	result := r.db.WithContext(ctx).Model(&models.RoutingRule{}).Where("id = ?", id).Update("is_published", published)
	if result.Error != nil {
		return fmt.Errorf("更新规则发布状态失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete 删除规则
func (r *RoutingRuleRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.RoutingRule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("删除路由规则失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordMatch 行级自增匹配计数
func (r *RoutingRuleRepository) RecordMatch(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.RoutingRule{}).Where("id = ?", id).Updates(map[string]interface{}{
		"match_count":   gorm.Expr("match_count + ?", 1),
		"last_match_at": at,
	}).Error
}

// MigrateLegacyRules 把仍带旧版扁平字段的规则一次性写回嵌套表示
func (r *RoutingRuleRepository) MigrateLegacyRules(ctx context.Context) (int, error) {
	var list []models.RoutingRule
	if err := r.db.WithContext(ctx).Find(&list).Error; err != nil {
		return 0, fmt.Errorf("查询路由规则失败: %w", err)
	}
	migrated := 0
	for i := range list {
		rule := &list[i]
		if !models.TranslateLegacyRule(rule) {
			continue
		}
		err := r.db.WithContext(ctx).Model(rule).Select(
			"source_config", "pipeline", "target_systems",
			"conditions", "logical_operator", "target_system_ids", "data_transformation",
		).Updates(rule).Error
		if err != nil {
			return migrated, fmt.Errorf("迁移规则 %s 失败: %w", rule.ID, err)
		}
		migrated++
	}
	if migrated > 0 {
		slog.Info("旧版路由规则迁移完成", "count", migrated)
	}
	return migrated, nil
}

// ReferencingSource 引用该数据源的规则ID
func (r *RoutingRuleRepository) ReferencingSource(ctx context.Context, sourceID string) ([]string, error) {
	return r.referencing(ctx, func(rule *models.RoutingRule) bool {
		for _, id := range rule.SourceConfig.SourceIDs {
			if id == sourceID {
				return true
			}
		}
		return false
	})
}

// ReferencingTarget 引用该目标系统的规则ID
func (r *RoutingRuleRepository) ReferencingTarget(ctx context.Context, targetID string) ([]string, error) {
	return r.referencing(ctx, func(rule *models.RoutingRule) bool {
		_, ok := rule.TargetRef(targetID)
		return ok
	})
}

func (r *RoutingRuleRepository) referencing(ctx context.Context, match func(*models.RoutingRule) bool) ([]string, error) {
	var list []models.RoutingRule
	if err := r.db.WithContext(ctx).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询路由规则失败: %w", err)
	}
	var ids []string
	for i := range list {
		models.TranslateLegacyRule(&list[i])
		if match(&list[i]) {
			ids = append(ids, list[i].ID)
		}
	}
	return ids, nil
}

// FrameSchemaRepository 帧格式仓储，已发布版本不可修改
type FrameSchemaRepository struct {
	db *gorm.DB
}

// NewFrameSchemaRepository 创建帧格式仓储
func NewFrameSchemaRepository(db *gorm.DB) *FrameSchemaRepository {
	return &FrameSchemaRepository{db: db}
}

// Create 创建帧格式，不一致的定义被拒绝
func (r *FrameSchemaRepository) Create(ctx context.Context, schema *models.FrameSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	schema.ProtocolType = string(models.NormalizeProtocol(schema.ProtocolType))
	if err := r.db.WithContext(ctx).Create(schema).Error; err != nil {
		return fmt.Errorf("创建帧格式失败: %w", err)
	}
	return nil
}

// Get 按ID查询
func (r *FrameSchemaRepository) Get(ctx context.Context, id string) (*models.FrameSchema, error) {
	var schema models.FrameSchema
	if err := r.db.WithContext(ctx).First(&schema, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &schema, nil
}

// List 全部帧格式
func (r *FrameSchemaRepository) List(ctx context.Context) ([]models.FrameSchema, error) {
	var list []models.FrameSchema
	if err := r.db.WithContext(ctx).Order("name, version").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询帧格式失败: %w", err)
	}
	return list, nil
}

// ListPublished 已发布的帧格式
func (r *FrameSchemaRepository) ListPublished(ctx context.Context) ([]models.FrameSchema, error) {
	var list []models.FrameSchema
	if err := r.db.WithContext(ctx).Where("is_published = ?", true).Order("name, version").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询已发布帧格式失败: %w", err)
	}
	return list, nil
}

// Publish 发布帧格式
func (r *FrameSchemaRepository) Publish(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&models.FrameSchema{}).Where("id = ?", id).Update("is_published", true)
	if result.Error != nil {
		return fmt.Errorf("发布帧格式失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Update 保存草稿的修改，保存前重新校验定义。
// 已发布的帧格式按 ID+版本被引用，只能以新版本新建，发布状态只由 Publish 修改
func (r *FrameSchemaRepository) Update(ctx context.Context, schema *models.FrameSchema) error {
	current, err := r.Get(ctx, schema.ID)
	if err != nil {
		return err
	}
	if current.IsPublished {
		return fmt.Errorf("%w: 帧格式 %s 版本 %s 已发布，请创建新版本", ErrImmutable, current.Name, current.Version)
	}
	if err := schema.Validate(); err != nil {
		return err
	}
	schema.ProtocolType = string(models.NormalizeProtocol(schema.ProtocolType))
	schema.IsPublished = false
	result := r.db.WithContext(ctx).Model(schema).Where("is_published = ?", false).Select(
		"name", "version", "description", "protocol_type", "frame_type", "total_length",
		"length_field", "delimiter", "fields", "checksum",
	).Updates(schema)
	if result.Error != nil {
		return fmt.Errorf("更新帧格式失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// 读取之后被并发发布
		return fmt.Errorf("%w: 帧格式 %s", ErrImmutable, schema.ID)
	}
	return nil
}

// Delete 删除未被数据源引用的帧格式
func (r *FrameSchemaRepository) Delete(ctx context.Context, id string) error {
	var refs int64
	if err := r.db.WithContext(ctx).Model(&models.DataSource{}).Where("frame_schema_id = ?", id).Count(&refs).Error; err != nil {
		return fmt.Errorf("检查帧格式引用失败: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w: 帧格式 %s 被 %d 个数据源引用", ErrInUse, id, refs)
	}
	result := r.db.WithContext(ctx).Delete(&models.FrameSchema{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("删除帧格式失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
