package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gateway-service/service/models"

	"gorm.io/gorm"
)

// MessageLogTable 消息日志表名（Postgres 上为按月分区的父表）
const MessageLogTable = "message_logs"

// LogRepository 消息/转发日志仓储
type LogRepository struct {
	db         *gorm.DB
	partitions sync.Map // "2006_01" -> struct{}
}

// NewLogRepository 创建日志仓储
func NewLogRepository(db *gorm.DB) *LogRepository {
	return &LogRepository{db: db}
}

func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// PartitionName 月分区表名
func PartitionName(t time.Time) string {
	return fmt.Sprintf("%s_%s", MessageLogTable, t.UTC().Format("2006_01"))
}

// EnsurePartition 确保消息时间所在月份的分区存在，非 Postgres 时不做处理
func (r *LogRepository) EnsurePartition(ctx context.Context, t time.Time) error {
	if !isPostgres(r.db) {
		return nil
	}
	key := t.UTC().Format("2006_01")
	if _, ok := r.partitions.Load(key); ok {
		return nil
	}

	start := time.Date(t.UTC().Year(), t.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		PartitionName(start), MessageLogTable, start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err := r.db.WithContext(ctx).Exec(sql).Error; err != nil {
		return fmt.Errorf("创建消息日志分区 %s 失败: %w", PartitionName(start), err)
	}
	r.partitions.Store(key, struct{}{})
	slog.Info("消息日志分区已就绪", "partition", PartitionName(start))
	return nil
}

// CreateMessageLog 写入消息日志
func (r *LogRepository) CreateMessageLog(ctx context.Context, log *models.MessageLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}
	if err := r.EnsurePartition(ctx, log.Timestamp); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("写入消息日志失败: %w", err)
	}
	return nil
}

// UpdateMessageStatus 更新消息日志终态
func (r *LogRepository) UpdateMessageStatus(ctx context.Context, messageID, status, reason, errMsg string) error {
	result := r.db.WithContext(ctx).Model(&models.MessageLog{}).Where("message_id = ?", messageID).Updates(map[string]interface{}{
		"processing_status": status,
		"failure_reason":    reason,
		"error_message":     errMsg,
	})
	if result.Error != nil {
		return fmt.Errorf("更新消息日志失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateForwardLogs 批量写入转发日志
func (r *LogRepository) CreateForwardLogs(ctx context.Context, logs []*models.ForwardLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("写入转发日志失败: %w", err)
	}
	return nil
}

// MessageLogFilter 消息日志查询条件
type MessageLogFilter struct {
	SourceID string
	Status   string
	Since    *time.Time
	Until    *time.Time
	Page     int
	Size     int
}

// ListMessageLogs 按条件分页查询消息日志，时间倒序
func (r *LogRepository) ListMessageLogs(ctx context.Context, f MessageLogFilter) ([]models.MessageLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.MessageLog{})
	if f.SourceID != "" {
		query = query.Where("source_id = ?", f.SourceID)
	}
	if f.Status != "" {
		query = query.Where("processing_status = ?", f.Status)
	}
	if f.Since != nil {
		query = query.Where("timestamp >= ?", *f.Since)
	}
	if f.Until != nil {
		query = query.Where("timestamp < ?", *f.Until)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计消息日志失败: %w", err)
	}
	var list []models.MessageLog
	if err := paginate(query, f.Page, f.Size).Order("timestamp DESC").Find(&list).Error; err != nil {
		return nil, 0, fmt.Errorf("查询消息日志失败: %w", err)
	}
	return list, total, nil
}

// GetMessageLog 按消息ID查询
func (r *LogRepository) GetMessageLog(ctx context.Context, messageID string) (*models.MessageLog, error) {
	var log models.MessageLog
	if err := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&log).Error; err != nil {
		return nil, notFound(err)
	}
	return &log, nil
}

// ListForwardLogs 某条消息的转发日志
func (r *LogRepository) ListForwardLogs(ctx context.Context, messageID string) ([]models.ForwardLog, error) {
	var list []models.ForwardLog
	if err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Order("created_at").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询转发日志失败: %w", err)
	}
	return list, nil
}

// StatusCounts 指定时间之后各终态的消息数
func (r *LogRepository) StatusCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		ProcessingStatus string
		Count            int64
	}
	err := r.db.WithContext(ctx).Model(&models.MessageLog{}).
		Select("processing_status, COUNT(*) AS count").
		Where("timestamp >= ?", since).
		Group("processing_status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("统计消息状态失败: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.ProcessingStatus] = row.Count
	}
	return out, nil
}

// DeleteMessageLogsBefore 删除早于 cutoff 的消息日志
func (r *LogRepository) DeleteMessageLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.MessageLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理消息日志失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteForwardLogsBefore 删除早于 cutoff 的转发日志
func (r *LogRepository) DeleteForwardLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.ForwardLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("清理转发日志失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// EncryptionKeyRepository 加密密钥仓储
type EncryptionKeyRepository struct {
	db *gorm.DB
}

// NewEncryptionKeyRepository 创建密钥仓储
func NewEncryptionKeyRepository(db *gorm.DB) *EncryptionKeyRepository {
	return &EncryptionKeyRepository{db: db}
}

// GetActive 指定名称的活动且未过期密钥，多版本时取最新创建的
func (r *EncryptionKeyRepository) GetActive(ctx context.Context, name string) (*models.EncryptionKey, error) {
	var key models.EncryptionKey
	err := r.db.WithContext(ctx).
		Where("name = ? AND is_active = ?", name, true).
		Where("(expires_at IS NULL OR expires_at > ?)", time.Now().UTC()).
		Order("created_at DESC").
		First(&key).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// GetVersion 按名称与版本查询，不区分是否活动，供解密历史消息
func (r *EncryptionKeyRepository) GetVersion(ctx context.Context, name, version string) (*models.EncryptionKey, error) {
	var key models.EncryptionKey
	err := r.db.WithContext(ctx).
		Where("name = ? AND version = ?", name, version).
		First(&key).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// Create 新增密钥
func (r *EncryptionKeyRepository) Create(ctx context.Context, key *models.EncryptionKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("创建密钥失败: %w", err)
	}
	return nil
}

// Rotate 停用旧版本并写入新版本
func (r *EncryptionKeyRepository) Rotate(ctx context.Context, key *models.EncryptionKey) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		err := tx.Model(&models.EncryptionKey{}).
			Where("name = ? AND is_active = ?", key.Name, true).
			Updates(map[string]interface{}{"is_active": false, "rotated_at": now}).Error
		if err != nil {
			return fmt.Errorf("停用旧密钥失败: %w", err)
		}
		key.IsActive = true
		if err := tx.Create(key).Error; err != nil {
			return fmt.Errorf("写入新密钥失败: %w", err)
		}
		return nil
	})
}

// List 全部密钥，按名称与创建时间排序
func (r *EncryptionKeyRepository) List(ctx context.Context) ([]models.EncryptionKey, error) {
	var list []models.EncryptionKey
	if err := r.db.WithContext(ctx).Order("name, created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("查询密钥失败: %w", err)
	}
	return list, nil
}

// Get 按ID查询
func (r *EncryptionKeyRepository) Get(ctx context.Context, id string) (*models.EncryptionKey, error) {
	var key models.EncryptionKey
	if err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// SetActive 启用或停用；启用时同名其他版本一并停用
func (r *EncryptionKeyRepository) SetActive(ctx context.Context, id string, active bool) (*models.EncryptionKey, error) {
	var key models.EncryptionKey
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&key, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if active {
			err := tx.Model(&models.EncryptionKey{}).
				Where("name = ? AND id <> ? AND is_active = ?", key.Name, id, true).
				Update("is_active", false).Error
			if err != nil {
				return fmt.Errorf("停用同名密钥失败: %w", err)
			}
		}
		if err := tx.Model(&key).Update("is_active", active).Error; err != nil {
			return fmt.Errorf("更新密钥状态失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// Delete 删除密钥
func (r *EncryptionKeyRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.EncryptionKey{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("删除密钥失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
