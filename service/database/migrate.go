/*
 * @module service/database/migrate
 * @description 数据库迁移模块，负责创建和更新网关表结构
 * @architecture 数据访问层 - 迁移管理
 * @documentReference dev_docs/gateway_model.md
 * @stateFlow 应用启动时执行数据库迁移 -> 迁移旧版路由规则
 * @rules Postgres 上 message_logs 为按月分区表，由原生 DDL 创建，不交给 AutoMigrate
 * @dependencies gateway-service/service/models, gorm.io/gorm
 * @refs service/repository/log_repository.go
 */

package database

import (
	"context"
	"fmt"
	"log/slog"

	"gateway-service/service/models"

	"gorm.io/gorm"
)

const partitionedMessageLogsDDL = `
CREATE TABLE IF NOT EXISTS message_logs (
	id                 varchar(36)  NOT NULL,
	"timestamp"        timestamptz  NOT NULL,
	message_id         varchar(36),
	trace_id           varchar(64),
	source_protocol    varchar(20),
	source_id          varchar(36),
	source_address     varchar(255),
	raw_data           bytea,
	raw_data_size      bigint,
	parsed_data        jsonb,
	processing_status  varchar(20),
	failure_reason     varchar(50),
	matched_rules      jsonb,
	target_systems     jsonb,
	error_message      text,
	processing_time_ms bigint,
	PRIMARY KEY (id, "timestamp")
) PARTITION BY RANGE ("timestamp")`

var messageLogIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_message_logs_timestamp ON message_logs ("timestamp")`,
	`CREATE INDEX IF NOT EXISTS idx_message_logs_message_id ON message_logs (message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_message_logs_source_id ON message_logs (source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_message_logs_source_protocol ON message_logs (source_protocol)`,
	`CREATE INDEX IF NOT EXISTS idx_message_logs_processing_status ON message_logs (processing_status)`,
}

// AutoMigrate 自动迁移网关表结构
func AutoMigrate(db *gorm.DB) error {
	slog.Info("开始数据库迁移...")

	// 配置类表
	err := db.AutoMigrate(
		&models.DataSource{},
		&models.TargetSystem{},
		&models.RoutingRule{},
		&models.FrameSchema{},
		&models.EncryptionKey{},
	)
	if err != nil {
		return fmt.Errorf("迁移配置表失败: %w", err)
	}

	// 日志类表
	if db.Dialector.Name() == "postgres" {
		if err := migratePartitionedMessageLogs(db); err != nil {
			return err
		}
	} else if err := db.AutoMigrate(&models.MessageLog{}); err != nil {
		return fmt.Errorf("迁移消息日志表失败: %w", err)
	}
	if err := db.AutoMigrate(&models.ForwardLog{}); err != nil {
		return fmt.Errorf("迁移转发日志表失败: %w", err)
	}

	slog.Info("数据库迁移完成")
	return nil
}

func migratePartitionedMessageLogs(db *gorm.DB) error {
	if err := db.Exec(partitionedMessageLogsDDL).Error; err != nil {
		return fmt.Errorf("创建分区消息日志表失败: %w", err)
	}
	for _, stmt := range messageLogIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("创建消息日志索引失败: %w", err)
		}
	}
	return nil
}

// LegacyRuleMigrator 旧版路由规则迁移
type LegacyRuleMigrator interface {
	MigrateLegacyRules(ctx context.Context) (int, error)
}

// InitializeData 启动时的数据修正：旧版扁平规则写回嵌套表示
func InitializeData(ctx context.Context, rules LegacyRuleMigrator) error {
	slog.Info("开始初始化基础数据...")
	migrated, err := rules.MigrateLegacyRules(ctx)
	if err != nil {
		return err
	}
	slog.Info("基础数据初始化完成", "migrated_rules", migrated)
	return nil
}
