package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gateway-service/service/models"

	"gorm.io/gorm"
)

// DataSourceRepository 数据源仓储
type DataSourceRepository struct {
	db    *gorm.DB
	rules *RoutingRuleRepository
}

// NewDataSourceRepository 创建数据源仓储
func NewDataSourceRepository(db *gorm.DB, rules *RoutingRuleRepository) *DataSourceRepository {
	return &DataSourceRepository{db: db, rules: rules}
}

func validateDataSource(ds *models.DataSource) error {
	if strings.TrimSpace(ds.Name) == "" {
		return fmt.Errorf("%w: 数据源名称不能为空", models.ErrConfigurationInconsistency)
	}
	ds.ProtocolType = string(models.NormalizeProtocol(ds.ProtocolType))
	if !models.IsInboundProtocol(models.ProtocolType(ds.ProtocolType)) {
		return fmt.Errorf("%w: %s", models.ErrUnsupportedProtocol, ds.ProtocolType)
	}
	return nil
}

// Create 创建数据源
func (r *DataSourceRepository) Create(ctx context.Context, ds *models.DataSource) error {
	if err := validateDataSource(ds); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(ds).Error; err != nil {
		return fmt.Errorf("创建数据源失败: %w", err)
	}
	return nil
}

// Get 按ID查询
func (r *DataSourceRepository) Get(ctx context.Context, id string) (*models.DataSource, error) {
	var ds models.DataSource
	if err := r.db.WithContext(ctx).First(&ds, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ds, nil
}

// List 分页查询，protocol 为空时不过滤
func (r *DataSourceRepository) List(ctx context.Context, protocol string, page, size int) ([]models.DataSource, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.DataSource{})
	if protocol != "" {
		query = query.Where("protocol_type = ?", string(models.NormalizeProtocol(protocol)))
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计数据源失败: %w", err)
	}
	var list []models.DataSource
	if err := paginate(query, page, size).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, 0, fmt.Errorf("查询数据源失败: %w", err)
	}
	return list, total, nil
}

// ListActive 全部启用的数据源
func (r *DataSourceRepository) ListActive(ctx context.Context) ([]models.DataSource, error) {
	var list []models.DataSource
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询启用数据源失败: %w", err)
	}
	return list, nil
}

// Update 保存修改
func (r *DataSourceRepository) Update(ctx context.Context, ds *models.DataSource) error {
	if err := validateDataSource(ds); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(ds).Select(
		"name", "description", "protocol_type", "connection_config", "parse_config", "frame_schema_id", "is_active",
	).Updates(ds)
	if result.Error != nil {
		return fmt.Errorf("更新数据源失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive 启用或软停用
func (r *DataSourceRepository) SetActive(ctx context.Context, id string, active bool) error {
	result := r.db.WithContext(ctx).Model(&models.DataSource{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("更新数据源状态失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete 物理删除，被规则引用时拒绝
func (r *DataSourceRepository) Delete(ctx context.Context, id string) error {
	refs, err := r.rules.ReferencingSource(ctx, id)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return fmt.Errorf("%w: 数据源 %s 被规则 %v 引用", ErrInUse, id, refs)
	}
	result := r.db.WithContext(ctx).Delete(&models.DataSource{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("删除数据源失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementMessageCount 行级自增消息数
func (r *DataSourceRepository) IncrementMessageCount(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.DataSource{}).Where("id = ?", id).Updates(map[string]interface{}{
		"total_messages":  gorm.Expr("total_messages + ?", 1),
		"last_message_at": at,
	}).Error
}

// TargetSystemRepository 目标系统仓储
type TargetSystemRepository struct {
	db    *gorm.DB
	rules *RoutingRuleRepository
}

// NewTargetSystemRepository 创建目标系统仓储
func NewTargetSystemRepository(db *gorm.DB, rules *RoutingRuleRepository) *TargetSystemRepository {
	return &TargetSystemRepository{db: db, rules: rules}
}

func validateTarget(ts *models.TargetSystem) error {
	if strings.TrimSpace(ts.Name) == "" {
		return fmt.Errorf("%w: 目标系统名称不能为空", models.ErrConfigurationInconsistency)
	}
	ts.ProtocolType = string(models.NormalizeProtocol(ts.ProtocolType))
	if ts.ProtocolType == "" {
		return fmt.Errorf("%w: 目标系统协议不能为空", models.ErrConfigurationInconsistency)
	}
	if enc := ts.Encryption(); enc.Enabled && enc.KeyName == "" {
		return fmt.Errorf("%w: 启用加密时必须指定 key_name", models.ErrConfigurationInconsistency)
	}
	return nil
}

// Create 创建目标系统
func (r *TargetSystemRepository) Create(ctx context.Context, ts *models.TargetSystem) error {
	if err := validateTarget(ts); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(ts).Error; err != nil {
		return fmt.Errorf("创建目标系统失败: %w", err)
	}
	return nil
}

// Get 按ID查询
func (r *TargetSystemRepository) Get(ctx context.Context, id string) (*models.TargetSystem, error) {
	var ts models.TargetSystem
	if err := r.db.WithContext(ctx).First(&ts, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ts, nil
}

// List 分页查询
func (r *TargetSystemRepository) List(ctx context.Context, protocol string, page, size int) ([]models.TargetSystem, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.TargetSystem{})
	if protocol != "" {
		query = query.Where("protocol_type = ?", string(models.NormalizeProtocol(protocol)))
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计目标系统失败: %w", err)
	}
	var list []models.TargetSystem
	if err := paginate(query, page, size).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, 0, fmt.Errorf("查询目标系统失败: %w", err)
	}
	return list, total, nil
}

// ListActive 全部启用的目标系统
func (r *TargetSystemRepository) ListActive(ctx context.Context) ([]models.TargetSystem, error) {
	var list []models.TargetSystem
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询启用目标系统失败: %w", err)
	}
	return list, nil
}

// Update 保存修改
func (r *TargetSystemRepository) Update(ctx context.Context, ts *models.TargetSystem) error {
	if err := validateTarget(ts); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(ts).Select(
		"name", "description", "protocol_type", "endpoint_config", "auth_config",
		"forwarder_config", "transform_config", "is_active",
	).Updates(ts)
	if result.Error != nil {
		return fmt.Errorf("更新目标系统失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive 启用或停用
func (r *TargetSystemRepository) SetActive(ctx context.Context, id string, active bool) error {
	result := r.db.WithContext(ctx).Model(&models.TargetSystem{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("更新目标系统状态失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete 物理删除，被规则引用时拒绝
func (r *TargetSystemRepository) Delete(ctx context.Context, id string) error {
	refs, err := r.rules.ReferencingTarget(ctx, id)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return fmt.Errorf("%w: 目标系统 %s 被规则 %v 引用", ErrInUse, id, refs)
	}
	result := r.db.WithContext(ctx).Delete(&models.TargetSystem{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("删除目标系统失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementForwardCount 行级自增转发成功/失败数
func (r *TargetSystemRepository) IncrementForwardCount(ctx context.Context, id string, success bool, at time.Time) error {
	column := "total_failed"
	if success {
		column = "total_forwarded"
	}
	return r.db.WithContext(ctx).Model(&models.TargetSystem{}).Where("id = ?", id).Updates(map[string]interface{}{
		column:            gorm.Expr(column+" + ?", 1),
		"last_forward_at": at,
	}).Error
}

func paginate(query *gorm.DB, page, size int) *gorm.DB {
	if size <= 0 {
		return query
	}
	if size > 500 {
		size = 500
	}
	if page < 1 {
		page = 1
	}
	return query.Offset((page - 1) * size).Limit(size)
}
